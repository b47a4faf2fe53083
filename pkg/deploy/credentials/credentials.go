// Package credentials caches assumed-role temporary credentials so that a
// role is assumed at most once per TTL window, no matter how many workers
// need credentials for it concurrently.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/mensylisir/fleetctl/pkg/cache"
)

// DefaultTTL is how long assumed-role credentials are reused before a
// fresh AssumeRole call is made.
const DefaultTTL = 5 * time.Minute

// SessionName identifies the assumed-role sessions created by the deployer.
const SessionName = "fleetctl"

// AssumeRoleAPI is the STS surface the cache needs. *sts.Client satisfies
// it directly; tests substitute a fake.
type AssumeRoleAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Credentials is one set of temporary credentials, ready to inject into a
// subprocess environment.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Env renders the credentials as environment variable assignments.
func (c Credentials) Env() []string {
	return []string{
		"AWS_ACCESS_KEY_ID=" + c.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY=" + c.SecretAccessKey,
		"AWS_SESSION_TOKEN=" + c.SessionToken,
	}
}

// Cache is a process-wide cache of assumed-role credentials keyed by role
// ARN. Lookup-and-refresh is guarded by a single mutex: the TTL amortizes
// refreshes, so coarse locking never becomes the bottleneck.
type Cache struct {
	client AssumeRoleAPI
	ttl    time.Duration

	mu      sync.Mutex
	entries cache.CredentialsCache
}

// NewCache builds a Cache around an STS client. A non-positive ttl falls
// back to DefaultTTL.
func NewCache(client AssumeRoleAPI, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		client:  client,
		ttl:     ttl,
		entries: cache.NewCredentialsCache(ttl),
	}
}

// Get returns credentials for roleARN, reusing a cached entry younger than
// the TTL or assuming the role again.
func (c *Cache) Get(ctx context.Context, roleARN string) (Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries.Get(roleARN); ok {
		return v.(Credentials), nil
	}

	out, err := c.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(SessionName),
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("assuming role %s: %w", roleARN, err)
	}
	creds := Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
	}
	c.entries.Set(roleARN, creds)
	return creds, nil
}

// Stop releases the underlying cache resources.
func (c *Cache) Stop() {
	c.entries.Stop()
}

package credentials

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSTS struct {
	calls int64
}

func (f *fakeSTS) AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	atomic.AddInt64(&f.calls, 1)
	return &sts.AssumeRoleOutput{
		Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String("AKIA" + aws.ToString(params.RoleArn)),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("token"),
		},
	}, nil
}

func TestGetCachesWithinTTL(t *testing.T) {
	stsClient := &fakeSTS{}
	c := NewCache(stsClient, time.Minute)
	defer c.Stop()

	ctx := context.Background()
	first, err := c.Get(ctx, "arn:aws:iam::111111111111:role/deploy")
	require.NoError(t, err)
	second, err := c.Get(ctx, "arn:aws:iam::111111111111:role/deploy")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt64(&stsClient.calls))
}

func TestGetRefreshesAfterTTL(t *testing.T) {
	stsClient := &fakeSTS{}
	c := NewCache(stsClient, 10*time.Millisecond)
	defer c.Stop()

	ctx := context.Background()
	_, err := c.Get(ctx, "arn:aws:iam::111111111111:role/deploy")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = c.Get(ctx, "arn:aws:iam::111111111111:role/deploy")
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt64(&stsClient.calls))
}

func TestGetDistinctRoles(t *testing.T) {
	stsClient := &fakeSTS{}
	c := NewCache(stsClient, time.Minute)
	defer c.Stop()

	ctx := context.Background()
	a, err := c.Get(ctx, "arn:aws:iam::111111111111:role/a")
	require.NoError(t, err)
	b, err := c.Get(ctx, "arn:aws:iam::111111111111:role/b")
	require.NoError(t, err)

	assert.NotEqual(t, a.AccessKeyID, b.AccessKeyID)
	assert.EqualValues(t, 2, atomic.LoadInt64(&stsClient.calls))
}

func TestGetConcurrentSingleAssume(t *testing.T) {
	stsClient := &fakeSTS{}
	c := NewCache(stsClient, time.Minute)
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "arn:aws:iam::111111111111:role/deploy")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&stsClient.calls))
}

func TestEnvRendering(t *testing.T) {
	creds := Credentials{AccessKeyID: "id", SecretAccessKey: "secret", SessionToken: "token"}
	assert.Equal(t, []string{
		"AWS_ACCESS_KEY_ID=id",
		"AWS_SECRET_ACCESS_KEY=secret",
		"AWS_SESSION_TOKEN=token",
	}, creds.Env())
}

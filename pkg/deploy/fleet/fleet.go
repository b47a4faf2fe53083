// Package fleet holds the inventory of the organization: accounts with
// their tags and enabled regions, and the organizational units they belong
// to. The planner intersects deployment scopes against it and the orphan
// removal pass checks it for accounts and regions that no longer exist.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// CacheObjectKey is the object name under which the fleet inventory is
// cached alongside the deployment state.
const CacheObjectKey = "orga.json"

// AllEnabledRegions is the region pseudo-name expanding to each account's
// enabled regions.
const AllEnabledRegions = "ALL_ENABLED"

// Account is one active account in the organization.
type Account struct {
	Name           string            `json:"Name"`
	Tags           map[string]string `json:"Tags"`
	EnabledRegions []string          `json:"EnabledRegions"`
	ParentOUIDs    []string          `json:"ParentOUIds"`
}

// OU is one organizational unit.
type OU struct {
	Name string            `json:"Name"`
	Tags map[string]string `json:"Tags"`
}

// Inventory answers scope queries over the organization.
type Inventory struct {
	Accounts map[string]Account `json:"Accounts"`
	OUs      map[string]OU      `json:"OUs"`
}

// ObjectGetter is the narrow read surface needed to load a cached
// inventory. *s3.Client satisfies it.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Load reads a cached inventory document from remote storage.
func Load(ctx context.Context, client ObjectGetter, bucket, key string) (*Inventory, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("loading fleet inventory %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading fleet inventory body: %w", err)
	}
	return Parse(raw)
}

// Parse decodes an inventory document.
func Parse(raw []byte) (*Inventory, error) {
	var inv Inventory
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decoding fleet inventory: %w", err)
	}
	if inv.Accounts == nil {
		inv.Accounts = map[string]Account{}
	}
	if inv.OUs == nil {
		inv.OUs = map[string]OU{}
	}
	return &inv, nil
}

// AllAccounts returns every account ID, sorted.
func (inv *Inventory) AllAccounts() []string {
	ids := make([]string, 0, len(inv.Accounts))
	for id := range inv.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AccountsByID returns the subset of the given IDs that exist.
func (inv *Inventory) AccountsByID(ids []string) []string {
	var out []string
	for _, id := range ids {
		if _, ok := inv.Accounts[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// AccountsByName returns the accounts whose name matches any of the given
// patterns; `*` is the only supported wildcard.
func (inv *Inventory) AccountsByName(patterns []string) []string {
	var out []string
	for id, account := range inv.Accounts {
		for _, pattern := range patterns {
			if matchGlob(pattern, account.Name) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// AccountsByTag returns the accounts carrying every given "KEY=VALUE" tag.
func (inv *Inventory) AccountsByTag(tags []string) []string {
	var out []string
	for id, account := range inv.Accounts {
		if matchAllTags(account.Tags, tags) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// AccountsByOU returns the accounts that are members, directly or
// transitively, of any of the given organizational units.
func (inv *Inventory) AccountsByOU(ouIDs []string) []string {
	var out []string
	for id, account := range inv.Accounts {
		for _, parent := range account.ParentOUIDs {
			if contains(ouIDs, parent) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// AccountsByOUTag returns the accounts belonging to at least one OU that
// carries every given "KEY=VALUE" tag.
func (inv *Inventory) AccountsByOUTag(tags []string) []string {
	var out []string
	for id, account := range inv.Accounts {
		for _, parent := range account.ParentOUIDs {
			ou, ok := inv.OUs[parent]
			if ok && matchAllTags(ou.Tags, tags) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// AccountRegions expands region names for one account. The pseudo-region
// ALL_ENABLED expands to the account's enabled regions; explicit names are
// intersected with them.
func (inv *Inventory) AccountRegions(accountID string, regions []string) []string {
	account, ok := inv.Accounts[accountID]
	if !ok {
		return nil
	}
	if contains(regions, AllEnabledRegions) {
		return append([]string(nil), account.EnabledRegions...)
	}
	var out []string
	for _, region := range account.EnabledRegions {
		if contains(regions, region) {
			out = append(out, region)
		}
	}
	return out
}

// AllEnabledRegionNames returns the union of the enabled regions across
// every account, sorted.
func (inv *Inventory) AllEnabledRegionNames() []string {
	seen := map[string]bool{}
	for _, account := range inv.Accounts {
		for _, region := range account.EnabledRegions {
			seen[region] = true
		}
	}
	out := make([]string, 0, len(seen))
	for region := range seen {
		out = append(out, region)
	}
	sort.Strings(out)
	return out
}

// AccountName returns the display name for an account ID, or the ID itself
// when the account is unknown.
func (inv *Inventory) AccountName(accountID string) string {
	if account, ok := inv.Accounts[accountID]; ok {
		return account.Name
	}
	return accountID
}

// AccountRegionExists reports whether the account is still active and the
// region enabled in it. Deployments whose (account, region) fails this
// check are orphans.
func (inv *Inventory) AccountRegionExists(accountID, region string) bool {
	account, ok := inv.Accounts[accountID]
	if !ok {
		return false
	}
	return contains(account.EnabledRegions, region)
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// matchAllTags reports whether tags carries every "KEY=VALUE" requirement.
func matchAllTags(tags map[string]string, requirements []string) bool {
	if len(requirements) == 0 {
		return false
	}
	for _, requirement := range requirements {
		key, value, ok := strings.Cut(requirement, "=")
		if !ok {
			return false
		}
		if tags[key] != value {
			return false
		}
	}
	return true
}

// matchGlob matches name against pattern, where `*` matches any run of
// characters and is the only wildcard.
func matchGlob(pattern, name string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(name, part)
		if idx < 0 {
			return false
		}
		name = name[idx+len(part):]
	}
	return strings.HasSuffix(name, parts[len(parts)-1])
}

// Package resolver translates domain://path addresses into store records.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

// SystemDomain is reserved for pseudo-addresses (system://boot, system://index,
// system://recent[/N]) and never appears in the path table.
const SystemDomain = "system"

var (
	addressPattern = regexp.MustCompile(`^([a-z][a-z0-9_-]*)://(.*)$`)
	segmentPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// Address is a parsed domain://path reference.
type Address struct {
	Domain string
	Path   string
}

// URI renders the canonical address string.
func (a Address) URI() string {
	return a.Domain + "://" + a.Path
}

// IsSystem reports whether the address targets the reserved system domain.
func (a Address) IsSystem() bool {
	return a.Domain == SystemDomain
}

// Resolver parses addresses against the configured domain allowlist and
// resolves them to store records. It is pure over the store snapshot at
// call time.
type Resolver struct {
	store          storage.Storage
	validDomains   map[string]bool
	coreMemoryURIs []string
}

// New builds a resolver. validDomains is the configured allowlist;
// coreMemoryURIs is the boot bundle expanded by system://boot.
func New(store storage.Storage, validDomains []string, coreMemoryURIs []string) *Resolver {
	domains := make(map[string]bool, len(validDomains))
	for _, d := range validDomains {
		domains[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return &Resolver{
		store:          store,
		validDomains:   domains,
		coreMemoryURIs: coreMemoryURIs,
	}
}

// Parse validates and splits an address. System addresses are allowed;
// their path grammar is checked by the system handlers.
func (r *Resolver) Parse(uri string) (Address, error) {
	m := addressPattern.FindStringSubmatch(strings.TrimSpace(uri))
	if m == nil {
		return Address{}, types.NewError(types.KindInvalidPath,
			fmt.Sprintf("address must look like domain://path, got %q", uri))
	}
	addr := Address{Domain: m[1], Path: m[2]}

	if addr.Domain == SystemDomain {
		return addr, nil
	}
	if !r.validDomains[addr.Domain] {
		return Address{}, types.NewError(types.KindInvalidDomain,
			fmt.Sprintf("domain %q is not in the configured allowlist", addr.Domain))
	}
	if addr.Path == "" {
		return Address{}, types.NewError(types.KindInvalidPath, "address path is empty")
	}
	for _, seg := range strings.Split(addr.Path, "/") {
		if !segmentPattern.MatchString(seg) {
			return Address{}, types.NewError(types.KindInvalidPath,
				fmt.Sprintf("path segment %q must match [a-z0-9_-]+", seg))
		}
	}
	return addr, nil
}

// ParseParent validates a parent address for create operations. Unlike
// Parse it accepts an empty path ("notes://"), which addresses the domain
// root. System parents are rejected.
func (r *Resolver) ParseParent(uri string) (Address, error) {
	m := addressPattern.FindStringSubmatch(strings.TrimSpace(uri))
	if m == nil {
		return Address{}, types.NewError(types.KindInvalidPath,
			fmt.Sprintf("parent address must look like domain://path, got %q", uri))
	}
	addr := Address{Domain: m[1], Path: m[2]}
	if addr.Domain == SystemDomain {
		return Address{}, types.NewError(types.KindInvalidDomain,
			"memories cannot be created under the system domain")
	}
	if !r.validDomains[addr.Domain] {
		return Address{}, types.NewError(types.KindInvalidDomain,
			fmt.Sprintf("domain %q is not in the configured allowlist", addr.Domain))
	}
	if addr.Path != "" {
		for _, seg := range strings.Split(addr.Path, "/") {
			if !segmentPattern.MatchString(seg) {
				return Address{}, types.NewError(types.KindInvalidPath,
					fmt.Sprintf("path segment %q must match [a-z0-9_-]+", seg))
			}
		}
	}
	return addr, nil
}

// Resolve parses the address and looks up its memory. Returns
// address_not_found when the path has no record.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*types.Memory, *types.PathEntry, error) {
	addr, err := r.Parse(uri)
	if err != nil {
		return nil, nil, err
	}
	if addr.IsSystem() {
		return nil, nil, types.NewError(types.KindInvalidPath,
			"system addresses resolve to summaries, not memories")
	}

	mem, entry, err := r.store.GetMemoryByPath(ctx, addr.Domain, addr.Path)
	if err != nil {
		return nil, nil, err
	}
	if mem == nil {
		return nil, nil, types.NewError(types.KindAddressNotFound,
			fmt.Sprintf("address not found: %s", addr.URI()))
	}
	return mem, entry, nil
}

// Breadcrumbs lists the ancestor URIs of an address, outermost first.
func (a Address) Breadcrumbs() []string {
	segs := strings.Split(a.Path, "/")
	crumbs := make([]string, 0, len(segs))
	for i := 1; i <= len(segs); i++ {
		crumbs = append(crumbs, a.Domain+"://"+strings.Join(segs[:i], "/"))
	}
	return crumbs
}

// BootEntry is one memory in the system://boot bundle.
type BootEntry struct {
	URI     string `json:"uri"`
	Content string `json:"content"`
	Missing bool   `json:"missing,omitempty"`
}

// SystemSummary is the structured result of a system:// read.
type SystemSummary struct {
	Kind   string         `json:"kind"`
	Core   []BootEntry    `json:"core,omitempty"`
	Recent []types.Memory `json:"recent,omitempty"`
	Counts map[string]int `json:"counts,omitempty"`
}

// ResolveSystem expands a system pseudo-address.
//   - system://boot: configured core-memory bundle plus recent memories.
//   - system://index: compact index counts.
//   - system://recent[/N]: last N modified (default 10, max 100).
func (r *Resolver) ResolveSystem(ctx context.Context, addr Address) (*SystemSummary, error) {
	parts := strings.Split(addr.Path, "/")
	switch parts[0] {
	case "boot":
		return r.bootSummary(ctx)
	case "index":
		return r.indexSummary(ctx)
	case "recent":
		limit := 10
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			if err != nil || n < 1 {
				return nil, types.NewError(types.KindInvalidPath,
					fmt.Sprintf("recent count must be a positive integer, got %q", parts[1]))
			}
			if n > 100 {
				n = 100
			}
			limit = n
		}
		recent, err := r.store.ListRecentMemories(ctx, limit)
		if err != nil {
			return nil, err
		}
		return &SystemSummary{Kind: "recent", Recent: dereference(recent)}, nil
	default:
		return nil, types.NewError(types.KindInvalidPath,
			fmt.Sprintf("unknown system address: system://%s", addr.Path))
	}
}

func (r *Resolver) bootSummary(ctx context.Context) (*SystemSummary, error) {
	summary := &SystemSummary{Kind: "boot"}
	for _, uri := range r.coreMemoryURIs {
		mem, _, err := r.Resolve(ctx, uri)
		if err != nil {
			if types.ErrorKind(err) == types.KindAddressNotFound {
				summary.Core = append(summary.Core, BootEntry{URI: uri, Missing: true})
				continue
			}
			return nil, err
		}
		summary.Core = append(summary.Core, BootEntry{URI: uri, Content: mem.Content})
	}

	recent, err := r.store.ListRecentMemories(ctx, 10)
	if err != nil {
		return nil, err
	}
	summary.Recent = dereference(recent)
	return summary, nil
}

func (r *Resolver) indexSummary(ctx context.Context) (*SystemSummary, error) {
	counts := make(map[string]int)
	for domain := range r.validDomains {
		entries, err := r.store.ListChildren(ctx, domain, "")
		if err != nil {
			return nil, err
		}
		counts[domain] = len(entries)
	}
	orphans, err := r.store.ListOrphans(ctx)
	if err != nil {
		return nil, err
	}
	counts["orphans"] = len(orphans)
	return &SystemSummary{Kind: "index", Counts: counts}, nil
}

func dereference(memories []*types.Memory) []types.Memory {
	out := make([]types.Memory, 0, len(memories))
	for _, m := range memories {
		out = append(out, *m)
	}
	return out
}

package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/palacehq/palace/internal/embed"
	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

const (
	DefaultSleepDedupThreshold = 0.90
	DefaultSleepRollupMaxChars = 1200

	metaLastSleepReport = "index.last_sleep_report"
)

// SleepConfig tunes the consolidation pass. The pass is preview-only
// unless the apply flags are set.
type SleepConfig struct {
	DedupThreshold float64
	RollupMaxChars int
	ApplyDedup     bool
	ApplyRollup    bool
	Embedder       embed.Embedder // nil skips dedup clustering
}

// DedupCluster is a group of memories whose contents are near-duplicates.
// The canonical member is the oldest (lowest id).
type DedupCluster struct {
	CanonicalID  int64    `json:"canonical_id"`
	CanonicalURI string   `json:"canonical_uri,omitempty"`
	DuplicateIDs []int64  `json:"duplicate_ids"`
	URIs         []string `json:"uris,omitempty"`
	Similarity   float64  `json:"similarity"`
	Applied      bool     `json:"applied"`
}

// RollupPreview groups small sibling fragments under a common parent.
type RollupPreview struct {
	Parent        string   `json:"parent"`
	MemberURIs    []string `json:"member_uris"`
	CombinedChars int      `json:"combined_chars"`
	Applied       bool     `json:"applied"`
	ResultURI     string   `json:"result_uri,omitempty"`
}

// SleepReport is the outcome of one consolidation pass.
type SleepReport struct {
	RanAt          time.Time       `json:"ran_at"`
	DedupClusters  []DedupCluster  `json:"dedup_clusters"`
	Rollups        []RollupPreview `json:"rollups"`
	DegradeReasons []string        `json:"degrade_reasons,omitempty"`
}

// RunSleepConsolidation scans for near-duplicate memories and fragmented
// sibling groups, records a preview report, and applies merges or rollups
// only when the corresponding flags allow writes. Intended to run as the
// singleton sleep_consolidation index job.
func (g *Governor) RunSleepConsolidation(ctx context.Context, job *types.IndexJob) error {
	report := &SleepReport{RanAt: time.Now().UTC()}

	clusters, reason, err := g.findDedupClusters(ctx)
	if err != nil {
		return err
	}
	if reason != "" {
		report.DegradeReasons = append(report.DegradeReasons, reason)
	}
	report.DedupClusters = clusters

	if ctx.Err() != nil {
		return ctx.Err()
	}

	rollups, err := g.findRollups(ctx)
	if err != nil {
		return err
	}
	report.Rollups = rollups

	if g.sleep.ApplyDedup {
		for i := range report.DedupClusters {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := g.applyDedup(ctx, &report.DedupClusters[i]); err != nil {
				return err
			}
		}
	}
	if g.sleep.ApplyRollup {
		for i := range report.Rollups {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := g.applyRollup(ctx, &report.Rollups[i]); err != nil {
				return err
			}
		}
	}

	if job != nil {
		job.DegradeReasons = append(job.DegradeReasons, report.DegradeReasons...)
	}

	blob, err := json.Marshal(report)
	if err != nil {
		return err
	}
	if err := g.store.SetMeta(ctx, metaLastSleepReport, string(blob)); err != nil {
		return err
	}

	g.log.Info().
		Int("dedup_clusters", len(report.DedupClusters)).
		Int("rollups", len(report.Rollups)).
		Bool("apply_dedup", g.sleep.ApplyDedup).
		Bool("apply_rollup", g.sleep.ApplyRollup).
		Msg("sleep consolidation pass finished")
	return nil
}

// LastSleepReport returns the most recent pass report, or nil when the
// pass has never run.
func (g *Governor) LastSleepReport(ctx context.Context) (*SleepReport, error) {
	raw, err := g.store.GetMeta(ctx, metaLastSleepReport)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var report SleepReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (g *Governor) findDedupClusters(ctx context.Context) ([]DedupCluster, string, error) {
	if g.sleep.Embedder == nil {
		return nil, types.DegradeVectorBackendDisabled, nil
	}

	memories, err := g.store.ListRecentMemories(ctx, -1)
	if err != nil {
		return nil, "", err
	}
	if len(memories) < 2 {
		return nil, "", nil
	}
	// oldest first, so the canonical of each cluster is the oldest member
	sort.Slice(memories, func(i, j int) bool { return memories[i].ID < memories[j].ID })

	texts := make([]string, len(memories))
	for i, m := range memories {
		texts[i] = m.Content
	}
	vectors, err := g.sleep.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, types.DegradeEmbeddingRequestFailed, nil
	}

	// Greedy clustering: each memory joins the first cluster whose
	// canonical it resembles above the threshold.
	var clusters []DedupCluster
	assigned := make(map[int64]bool)
	for i := 0; i < len(memories); i++ {
		if assigned[memories[i].ID] {
			continue
		}
		cluster := DedupCluster{CanonicalID: memories[i].ID, Similarity: 1}
		for j := i + 1; j < len(memories); j++ {
			if assigned[memories[j].ID] {
				continue
			}
			sim := cosine32(vectors[i], vectors[j])
			if sim >= g.sleep.DedupThreshold {
				cluster.DuplicateIDs = append(cluster.DuplicateIDs, memories[j].ID)
				assigned[memories[j].ID] = true
				if sim < cluster.Similarity {
					cluster.Similarity = sim
				}
			}
		}
		if len(cluster.DuplicateIDs) == 0 {
			continue
		}
		assigned[memories[i].ID] = true
		if entries, err := g.store.ListPaths(ctx, cluster.CanonicalID); err == nil && len(entries) > 0 {
			cluster.CanonicalURI = entries[0].URI()
		}
		for _, dup := range cluster.DuplicateIDs {
			if entries, err := g.store.ListPaths(ctx, dup); err == nil {
				for _, e := range entries {
					cluster.URIs = append(cluster.URIs, e.URI())
				}
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters, "", nil
}

// applyDedup merges a cluster: every duplicate's address is re-bound to
// the canonical memory, which deprecates the duplicate once its last path
// is gone.
func (g *Governor) applyDedup(ctx context.Context, cluster *DedupCluster) error {
	for _, dup := range cluster.DuplicateIDs {
		entries, err := g.store.ListPaths(ctx, dup)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := g.store.RemovePath(ctx, e.Domain, e.Path); err != nil {
				return err
			}
			if _, err := g.store.AddPath(ctx, e.Domain, e.Path, cluster.CanonicalID); err != nil {
				return err
			}
		}
	}
	cluster.Applied = true
	return nil
}

func (g *Governor) findRollups(ctx context.Context) ([]RollupPreview, error) {
	memories, err := g.store.ListRecentMemories(ctx, -1)
	if err != nil {
		return nil, err
	}

	type fragment struct {
		uri   string
		chars int
	}
	groups := map[string][]fragment{}
	for _, mem := range memories {
		entries, err := g.store.ListPaths(ctx, mem.ID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			idx := strings.LastIndex(e.Path, "/")
			if idx < 0 {
				continue // top-level records are not fragments
			}
			parent := e.Domain + "://" + e.Path[:idx]
			groups[parent] = append(groups[parent], fragment{uri: e.URI(), chars: len(mem.Content)})
		}
	}

	var rollups []RollupPreview
	for parent, frags := range groups {
		if len(frags) < 2 {
			continue
		}
		combined := 0
		uris := make([]string, 0, len(frags))
		for _, f := range frags {
			combined += f.chars
			uris = append(uris, f.uri)
		}
		if combined >= g.sleep.RollupMaxChars {
			continue
		}
		sort.Strings(uris)
		rollups = append(rollups, RollupPreview{
			Parent:        parent,
			MemberURIs:    uris,
			CombinedChars: combined,
		})
	}
	sort.Slice(rollups, func(i, j int) bool { return rollups[i].Parent < rollups[j].Parent })
	return rollups, nil
}

// applyRollup synthesizes one memory concatenating the fragments under
// the parent, and records the method on the resulting gist. The fragments
// themselves are left in place.
func (g *Governor) applyRollup(ctx context.Context, rollup *RollupPreview) error {
	idx := strings.Index(rollup.Parent, "://")
	if idx < 0 {
		return fmt.Errorf("malformed rollup parent %q", rollup.Parent)
	}
	domain, parentPath := rollup.Parent[:idx], rollup.Parent[idx+3:]

	var sb strings.Builder
	for _, uri := range rollup.MemberURIs {
		sep := strings.Index(uri, "://")
		if sep < 0 {
			continue
		}
		mem, _, err := g.store.GetMemoryByPath(ctx, uri[:sep], uri[sep+3:])
		if err != nil {
			return err
		}
		if mem == nil {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n%s\n\n", uri, strings.TrimSpace(mem.Content))
	}

	mem, _, err := g.store.CreateMemory(ctx, storage.CreateParams{
		Domain:     domain,
		ParentPath: parentPath,
		Title:      "rollup",
		Content:    strings.TrimSpace(sb.String()),
	})
	if err != nil {
		return err
	}
	if err := g.store.UpsertGist(ctx, &types.Gist{
		MemoryID:          mem.ID,
		SourceContentHash: mem.ContentHash,
		Text:              fmt.Sprintf("rollup of %d fragments under %s", len(rollup.MemberURIs), rollup.Parent),
		Method:            types.GistMethodRollup,
		Quality:           0.5,
	}); err != nil {
		return err
	}

	rollup.Applied = true
	entries, err := g.store.ListPaths(ctx, mem.ID)
	if err == nil && len(entries) > 0 {
		rollup.ResultURI = entries[0].URI()
	}
	return nil
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

package monday

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
)

// FinderConfig configures contact lookup.
type FinderConfig struct {
	BoardID            string
	EmailColumnIDs     []string
	TouchpointColumnID string
	ScanLimit          int
	CacheSize          int
	CacheTTL           time.Duration
}

// Finder resolves CRM contacts by email address.
//
// Lookup order: cache, then an exact-value query per candidate email column
// (first hit wins), then a single-page scan of the board bounded by
// ScanLimit. The scan is not exhaustive on boards larger than ScanLimit.
type Finder struct {
	exec  Executor
	cfg   FinderConfig
	cache *expirable.LRU[string, *models.Contact]
	group singleflight.Group
}

func NewFinder(exec Executor, cfg FinderConfig) *Finder {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 500
	}
	return &Finder{
		exec:  exec,
		cfg:   cfg,
		cache: expirable.NewLRU[string, *models.Contact](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// FindByEmail returns the contact whose email column equals email
// (case-insensitive), or nil when none matches. Hits are cached; concurrent
// misses for the same address share one lookup.
func (f *Finder) FindByEmail(ctx context.Context, email string) (*models.Contact, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if key == "" {
		return nil, nil
	}

	if c, ok := f.cache.Get(key); ok {
		metrics.ContactCache.WithLabelValues("hit").Inc()
		return c, nil
	}
	metrics.ContactCache.WithLabelValues("miss").Inc()

	v, err, _ := f.group.Do(key, func() (any, error) {
		return f.lookup(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	c, _ := v.(*models.Contact)
	if c != nil {
		f.cache.Add(key, c)
	}
	return c, nil
}

// Forget drops a cached contact, e.g. after its email changed.
func (f *Finder) Forget(email string) {
	f.cache.Remove(strings.ToLower(strings.TrimSpace(email)))
}

func (f *Finder) lookup(ctx context.Context, email string) (*models.Contact, error) {
	for _, col := range f.cfg.EmailColumnIDs {
		data, err := f.exec.ExecuteQuery(ctx, queryItemsByColumnValue, map[string]any{
			"boardId":  f.cfg.BoardID,
			"columnId": col,
			"value":    email,
		})
		if err != nil {
			// Boards rarely have every candidate column; an unknown column
			// is reported as a GraphQL error.
			logging.Ctx(ctx).Debug().Err(err).Str("column", col).Msg("email column lookup failed")
			continue
		}

		var out struct {
			Page struct {
				Items []gqlItem `json:"items"`
			} `json:"items_page_by_column_values"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode column lookup: %w", err)
		}
		if len(out.Page.Items) > 0 {
			return f.toContact(out.Page.Items[0].toModel(), email), nil
		}
	}

	return f.scan(ctx, email)
}

func (f *Finder) scan(ctx context.Context, email string) (*models.Contact, error) {
	data, err := f.exec.ExecuteQuery(ctx, queryBoardScan, map[string]any{
		"boardIds": []string{f.cfg.BoardID},
		"limit":    f.cfg.ScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("scan board %s: %w", f.cfg.BoardID, err)
	}

	var out struct {
		Boards []struct {
			Page struct {
				Items []gqlItem `json:"items"`
			} `json:"items_page"`
		} `json:"boards"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode board scan: %w", err)
	}

	candidates := map[string]bool{}
	for _, id := range f.cfg.EmailColumnIDs {
		candidates[id] = true
	}

	for _, b := range out.Boards {
		for _, g := range b.Page.Items {
			item := g.toModel()
			for _, col := range item.Columns {
				if !candidates[col.ID] && col.Type != "email" {
					continue
				}
				if strings.EqualFold(strings.TrimSpace(ColumnText(col)), email) {
					return f.toContact(item, email), nil
				}
			}
		}
	}

	logging.Ctx(ctx).Info().Str("email", email).Int("scan_limit", f.cfg.ScanLimit).Msg("contact not found")
	return nil, nil
}

func (f *Finder) toContact(item models.Item, email string) *models.Contact {
	c := &models.Contact{
		ID:      item.ID,
		Email:   email,
		Name:    item.Name,
		Columns: item.Columns,
	}
	for _, col := range item.Columns {
		if col.ID == f.cfg.TouchpointColumnID {
			c.Touchpoints = parseCount(col.Text)
		}
	}
	return c
}

// parseCount reads a numeric column; anything unparsable counts as 0.
func parseCount(s string) int {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return int(f)
	}
	return 0
}

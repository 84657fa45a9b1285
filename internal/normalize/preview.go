package normalize

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lochness-labs/facebook-ingestion/pkg/clients"
	metaads "github.com/lochness-labs/facebook-ingestion/pkg/connector/sources/meta_ads"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/metrics"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
)

// Preview placeholders
const (
	PreviewNotAvailable = "not_available"
	PreviewNotResolved  = "not_resolved"
)

// PreviewAPI renders ad previews
type PreviewAPI interface {
	Previews(ctx context.Context, adID, format string) ([]string, error)
}

// PreviewReport counts preview outcomes of one resolution
type PreviewReport struct {
	Resolved     int
	NotAvailable int
	Failed       int
	FailedIDs    []string
}

// PreviewResolver fills preview_url on ad rows
type PreviewResolver struct {
	api         PreviewAPI
	limiter     clients.RateLimiter
	concurrency int
	logger      *zap.Logger
}

// NewPreviewResolver creates a resolver running up to concurrency lookups at
// once, each started through limiter
func NewPreviewResolver(api PreviewAPI, limiter clients.RateLimiter, concurrency int, logger *zap.Logger) *PreviewResolver {
	if limiter == nil {
		limiter = clients.Unlimited{}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &PreviewResolver{
		api:         api,
		limiter:     limiter,
		concurrency: concurrency,
		logger:      logger.With(zap.String("component", "preview_resolver")),
	}
}

// Resolve looks up one preview per distinct ad id and writes it to every row
// of that id. A failed lookup marks the id not_resolved; only cancellation
// aborts the resolution.
func (p *PreviewResolver) Resolve(ctx context.Context, rows []models.Row) (PreviewReport, error) {
	var report PreviewReport

	byID := make(map[string][]models.Row)
	var ids []string
	for _, r := range rows {
		id := models.Text(r["id"])
		if _, ok := byID[id]; !ok {
			ids = append(ids, id)
		}
		byID[id] = append(byID[id], r)
	}

	var mu sync.Mutex
	urls := make(map[string]string, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, id := range ids {
		id := id
		format, ok := SelectFormat(byID[id][0])
		if !ok {
			mu.Lock()
			urls[id] = PreviewNotAvailable
			report.NotAvailable++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}
			url, err := p.lookup(gctx, id, format)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn("preview not resolved",
					zap.String("ad_id", id),
					zap.String("format", format),
					zap.Error(err))
				metrics.PreviewFailures.Inc()
				urls[id] = PreviewNotResolved
				report.Failed++
				report.FailedIDs = append(report.FailedIDs, id)
				return nil
			}
			urls[id] = url
			report.Resolved++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	for id, rs := range byID {
		for _, r := range rs {
			r[PreviewColumn] = urls[id]
		}
	}
	sort.Strings(report.FailedIDs)
	return report, nil
}

func (p *PreviewResolver) lookup(ctx context.Context, adID, format string) (string, error) {
	bodies, err := p.api.Previews(ctx, adID, format)
	if err != nil {
		return "", err
	}
	if len(bodies) == 0 {
		return "", errors.New(errors.ErrorTypeData, "no preview rendered")
	}
	return ExtractURL(bodies[0])
}

// SelectFormat picks the preview format from the placement columns of a row.
// It reports false when the row has no publisher platform.
func SelectFormat(row models.Row) (string, bool) {
	publisher := firstText(row["publisher_platforms"])
	if publisher == "" {
		return "", false
	}

	switch {
	case publisher == "instagram" && hasElements(row["instagram_positions"]):
		if firstText(row["instagram_positions"]) == "story" {
			return metaads.FormatInstagramStory, true
		}
		return metaads.FormatInstagramStandard, true
	case publisher == "facebook" && hasElements(row["facebook_positions"]):
		if firstText(row["facebook_positions"]) == "story" {
			return metaads.FormatFacebookStoryMobile, true
		}
		return metaads.FormatDesktopFeedStandard, true
	default:
		return metaads.FormatDesktopFeedStandard, true
	}
}

func firstText(v any) string {
	return models.Text(first(v))
}

func hasElements(v any) bool {
	list, ok := v.([]any)
	return ok && len(list) > 0
}

// ExtractURL returns the first src attribute, in document order, of a
// rendered preview
func ExtractURL(body string) (string, error) {
	src := ""
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
		if s, ok := doc.Find("[src]").First().Attr("src"); ok {
			src = s
		}
	}
	if src == "" {
		if _, rest, ok := strings.Cut(body, `src="`); ok {
			src, _, _ = strings.Cut(rest, `" width`)
		}
	}
	if src == "" {
		return "", errors.New(errors.ErrorTypeData, "preview has no src attribute")
	}

	src = strings.ReplaceAll(src, "amp;", "")
	src = strings.ReplaceAll(src, ";t=", "&t=")
	return src, nil
}

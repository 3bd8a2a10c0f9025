package coordinator

import (
	"context"
	"net/http"

	"github.com/use-agent/planscout/adapter"
	"github.com/use-agent/planscout/classify"
	"github.com/use-agent/planscout/detail"
	"github.com/use-agent/planscout/models"
)

// enrich fetches rec's detail page once and attaches its main text. It
// returns false when the portal blocked the request or the run stopped, in
// which case no further detail pages are fetched for the task.
func (r *run) enrich(ctx context.Context, site models.Site, ad adapter.SiteAdapter, rec *models.CandidateRecord) bool {
	sess := r.c.cfg.Sessions.Get(site.Name)
	sr := &models.SearchRequest{Site: site.Name, Method: http.MethodGet, URL: rec.SourceURL}

	raw, err := r.exchange(ctx, site, sr, sess)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		r.log.Debug("detail fetch failed", "site", site.Name, "id", rec.ExternalID, "error", err)
		return true
	}

	v := ad.Classify(raw)
	switch v.Kind {
	case classify.Success:
		rec.DetailText = detail.Text(raw.Body, raw.FinalURL)
		return true
	case classify.Blocked:
		r.c.cfg.Sessions.RecordFailure(site.Name)
		r.log.Warn("detail page blocked, stopping enrichment",
			"site", site.Name, "id", rec.ExternalID, "reason", v.Reason)
		return false
	default:
		r.log.Debug("detail page not usable", "site", site.Name, "id", rec.ExternalID,
			"status", v.Status, "reason", v.Reason)
		return true
	}
}

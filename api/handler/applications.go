package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/planscout/models"
	"github.com/use-agent/planscout/store"
)

const maxListLimit = 1000

// Applications returns a handler for GET /api/v1/applications.
//
// Query parameters: site, keyword, from, to (YYYY-MM-DD), limit.
func Applications(q store.Querier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if q == nil {
			abortWith(c, http.StatusNotImplemented, models.ErrCodeInternal, "record store does not support listing")
			return
		}

		f := models.RecordFilter{
			Site:    c.Query("site"),
			Keyword: c.Query("keyword"),
		}
		var err error
		if f.From, err = parseDate("from", c.Query("from")); err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		if f.To, err = parseDate("to", c.Query("to")); err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > maxListLimit {
				abortWith(c, http.StatusBadRequest, models.ErrCodeInvalidInput, "limit must be between 1 and 1000")
				return
			}
			f.Limit = n
		}

		recs, err := q.List(c.Request.Context(), f)
		if err != nil {
			abortWithError(c, http.StatusInternalServerError, err)
			return
		}
		if recs == nil {
			recs = []models.CandidateRecord{}
		}
		c.JSON(http.StatusOK, models.ApplicationsResponse{Count: len(recs), Applications: recs})
	}
}

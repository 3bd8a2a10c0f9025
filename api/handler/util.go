package handler

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/planscout/models"
)

const dateLayout = "2006-01-02"

func abortWith(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{
		Error: &models.ErrorDetail{Code: code, Message: msg},
	})
}

func abortWithError(c *gin.Context, status int, err error) {
	var se *models.ScrapeError
	if !errors.As(err, &se) {
		se = models.NewScrapeError(models.ErrCodeInternal, err.Error(), err)
	}
	c.AbortWithStatusJSON(status, models.ErrorResponse{Error: se.ToDetail()})
}

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, models.NewScrapeError(models.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be YYYY-MM-DD, got %q", field, s), nil)
	}
	return t, nil
}

// parseDateRange returns nil when neither bound is set.
func parseDateRange(from, to string) (*models.DateRange, error) {
	f, err := parseDate("date_from", from)
	if err != nil {
		return nil, err
	}
	t, err := parseDate("date_to", to)
	if err != nil {
		return nil, err
	}
	if f.IsZero() && t.IsZero() {
		return nil, nil
	}
	if !f.IsZero() && !t.IsZero() && t.Before(f) {
		return nil, models.NewScrapeError(models.ErrCodeInvalidInput, "date_to is before date_from", nil)
	}
	return &models.DateRange{From: f, To: t}, nil
}

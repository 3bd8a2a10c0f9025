package main

import (
	"errors"
	"testing"

	"github.com/use-agent/planscout/models"
)

func TestSplitList(t *testing.T) {
	got := splitList(" noise monitoring, ,dust ,")
	if len(got) != 2 || got[0] != "noise monitoring" || got[1] != "dust" {
		t.Errorf("splitList = %q", got)
	}
	if splitList("") != nil {
		t.Error("empty input should give nil")
	}
}

func TestDateRange(t *testing.T) {
	tests := []struct {
		from, to string
		wantNil  bool
		wantErr  bool
	}{
		{"", "", true, false},
		{"2026-01-01", "2026-02-01", false, false},
		{"2026-03-01", "2026-02-01", false, true},
		{"1 Jan", "", false, true},
	}
	for _, tt := range tests {
		dr, err := dateRange(tt.from, tt.to)
		if (err != nil) != tt.wantErr || (!tt.wantErr && (dr == nil) != tt.wantNil) {
			t.Errorf("dateRange(%q, %q) = %+v, %v", tt.from, tt.to, dr, err)
		}
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(models.ConfigError("bad")); got != 2 {
		t.Errorf("config error exit = %d", got)
	}
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Errorf("other error exit = %d", got)
	}
}

func TestUsesBrowser(t *testing.T) {
	if usesBrowser([]models.Site{{Engine: models.EngineHTTP}}) {
		t.Error("http-only sites reported as browser")
	}
	if !usesBrowser([]models.Site{{Engine: models.EngineHTTP}, {Engine: models.EngineBrowser}}) {
		t.Error("browser site missed")
	}
}

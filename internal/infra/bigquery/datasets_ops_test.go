package bigquery

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"google.golang.org/api/googleapi"
)

func TestValidateTable(t *testing.T) {
	tests := []struct {
		name    string
		dataset string
		table   string
		wantErr bool
	}{
		{name: "simple", dataset: "acme", table: "Shop__AllWebSiteData__EventsReport"},
		{name: "stage table", dataset: "acme", table: "_stage_Shop__View__AgesReport"},
		{name: "hyphen in table", dataset: "acme", table: "shop-2021"},
		{name: "longest dataset", dataset: strings.Repeat("a", maxNameLen), table: "t"},
		{name: "longest table", dataset: "acme", table: strings.Repeat("t", maxNameLen)},
		{name: "dataset too long", dataset: strings.Repeat("a", maxNameLen+1), table: "t", wantErr: true},
		{name: "table too long", dataset: "acme", table: strings.Repeat("t", maxNameLen+1), wantErr: true},
		{name: "empty dataset", dataset: "", table: "t", wantErr: true},
		{name: "empty table", dataset: "acme", table: "", wantErr: true},
		{name: "hyphen in dataset", dataset: "ac-me", table: "t", wantErr: true},
		{name: "backtick injection", dataset: "acme", table: "t` ; DROP TABLE x --", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTable(tt.dataset, tt.table)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateTable(%q, %q) error = %v, wantErr %v", tt.dataset, tt.table, err, tt.wantErr)
			}
		})
	}
}

func TestNamePatterns_MatchMaxLength(t *testing.T) {
	name := strings.Repeat("x", maxNameLen)
	if !datasetPattern.MatchString(name) {
		t.Errorf("datasetPattern rejects a %d character name", maxNameLen)
	}
	if !tablePattern.MatchString(name) {
		t.Errorf("tablePattern rejects a %d character name", maxNameLen)
	}
}

func TestIsStatus(t *testing.T) {
	conflict := fmt.Errorf("creating: %w", &googleapi.Error{Code: http.StatusConflict})
	if !isStatus(conflict, http.StatusConflict) {
		t.Error("isStatus() = false for a wrapped 409")
	}
	if isStatus(conflict, http.StatusNotFound) {
		t.Error("isStatus() = true for the wrong code")
	}
	if isStatus(fmt.Errorf("plain"), http.StatusConflict) {
		t.Error("isStatus() = true for a non-API error")
	}
}

package report

import (
	"errors"
	"testing"
)

func TestAll_RegistryOrder(t *testing.T) {
	specs := All()
	want := []Kind{Demographics, Ages, Acquisitions, Events}

	if len(specs) != len(want) {
		t.Fatalf("All() returned %d specs, want %d", len(specs), len(want))
	}
	for i, k := range want {
		if specs[i].Kind != k {
			t.Errorf("All()[%d] = %s, want %s", i, specs[i].Kind, k)
		}
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Kind
		wantErr bool
	}{
		{name: "exact", input: "Events", want: Events},
		{name: "lower case", input: "demographics", want: Demographics},
		{name: "padded", input: "  ages ", want: Ages},
		{name: "unknown", input: "Sales", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Lookup(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownReport) {
					t.Fatalf("Lookup(%q) error = %v, want ErrUnknownReport", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup(%q) unexpected error: %v", tt.input, err)
			}
			if got.Kind != tt.want {
				t.Errorf("Lookup(%q) = %s, want %s", tt.input, got.Kind, tt.want)
			}
		})
	}
}

func TestSchema_DimensionsThenMetrics(t *testing.T) {
	spec, err := Lookup("Acquisitions")
	if err != nil {
		t.Fatal(err)
	}

	if len(spec.Schema) != len(spec.Dimensions)+len(spec.Metrics) {
		t.Fatalf("schema has %d fields, want %d", len(spec.Schema), len(spec.Dimensions)+len(spec.Metrics))
	}
	for i, d := range spec.Dimensions {
		if spec.Schema[i].Name != d {
			t.Errorf("Schema[%d] = %s, want dimension %s", i, spec.Schema[i].Name, d)
		}
	}

	checks := map[string]FieldType{
		"date":          FieldDate,
		"pagePath":      FieldString,
		"users":         FieldInteger,
		"bounceRate":    FieldFloat,
		"avgTimeOnPage": FieldFloat,
		"uniqueEvents":  FieldInteger,
	}
	for field, want := range checks {
		got, ok := spec.FieldType(field)
		if !ok {
			t.Errorf("FieldType(%q) not found", field)
			continue
		}
		if got != want {
			t.Errorf("FieldType(%q) = %s, want %s", field, got, want)
		}
	}
}

func TestLookup_ReturnsIndependentCopy(t *testing.T) {
	a, _ := Lookup("Events")
	a.Dimensions[0] = "mutated"

	b, _ := Lookup("Events")
	if b.Dimensions[0] != "date" {
		t.Errorf("registry was mutated through a returned spec: %v", b.Dimensions)
	}
}

func TestTableName(t *testing.T) {
	spec, _ := Lookup("Demographics")
	got := spec.TableName("AshleyAndEmily", "AllWebSiteData")
	want := "AshleyAndEmily__AllWebSiteData__DemographicsReport"
	if got != want {
		t.Errorf("TableName() = %q, want %q", got, want)
	}
}

func TestResolve(t *testing.T) {
	t.Run("empty means all", func(t *testing.T) {
		specs, err := Resolve(nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(specs) != 4 {
			t.Errorf("Resolve(nil) returned %d specs, want 4", len(specs))
		}
	})

	t.Run("dedup keeps first occurrence order", func(t *testing.T) {
		specs, err := Resolve([]string{"events", "Ages", "EVENTS"})
		if err != nil {
			t.Fatal(err)
		}
		if len(specs) != 2 || specs[0].Kind != Events || specs[1].Kind != Ages {
			t.Errorf("Resolve() = %v, want [Events Ages]", specs)
		}
	})

	t.Run("unknown name fails", func(t *testing.T) {
		if _, err := Resolve([]string{"Events", "nope"}); !errors.Is(err, ErrUnknownReport) {
			t.Errorf("Resolve() error = %v, want ErrUnknownReport", err)
		}
	})
}

package segment

import (
	"errors"
	"slices"
	"testing"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name    string
		want    *Table
		wantErr bool
	}{
		{"direct", &Direct, false},
		{"flipped", &Flipped, false},
		{"mirrored", nil, true},
		{"", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Lookup(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownLayout) {
					t.Fatalf("Lookup(%q) error = %v, want ErrUnknownLayout", tt.name, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup(%q) unexpected error: %v", tt.name, err)
			}
			if got != tt.want {
				t.Errorf("Lookup(%q) returned %s table", tt.name, got.Name)
			}
		})
	}
}

// TestVariantsAgree verifies that both wirings light the same physical
// segments for every glyph.
func TestVariantsAgree(t *testing.T) {
	for d := uint8(0); d < 16; d++ {
		direct := Direct.Decode(Direct.Encode(d))
		flipped := Flipped.Decode(Flipped.Encode(d))
		slices.Sort(direct)
		slices.Sort(flipped)
		if !slices.Equal(direct, flipped) {
			t.Errorf("glyph %X: direct lights %v, flipped lights %v", d, direct, flipped)
		}
	}
}

func TestDashAndPoint(t *testing.T) {
	for _, table := range []*Table{&Direct, &Flipped} {
		t.Run(table.Name, func(t *testing.T) {
			if got := table.Decode(table.Dash); !slices.Equal(got, []Segment{G}) {
				t.Errorf("Dash lights %v, want [G]", got)
			}
			if got := table.Decode(table.Point); !slices.Equal(got, []Segment{DP}) {
				t.Errorf("Point lights %v, want [DP]", got)
			}
			if !table.Lit(table.Encode(8)|table.Point, DP) {
				t.Error("8 with point should light DP")
			}
			if table.Lit(table.Encode(1), A) {
				t.Error("1 should not light A")
			}
		})
	}
}

func TestEncodeUsesLowNibble(t *testing.T) {
	if Direct.Encode(0x15) != Direct.Encode(5) {
		t.Errorf("Encode(0x15) = %08b, want %08b", Direct.Encode(0x15), Direct.Encode(5))
	}
}

func TestLayoutCoversAllPositions(t *testing.T) {
	for _, table := range []*Table{&Direct, &Flipped} {
		t.Run(table.Name, func(t *testing.T) {
			seen := make(map[int]bool)
			for _, p := range table.Layout.RPM {
				seen[p] = true
			}
			for _, p := range table.Layout.Advance {
				seen[p] = true
			}
			if len(seen) != Positions {
				t.Errorf("RPM and advance cover %d positions, want %d", len(seen), Positions)
			}

			cols := table.Layout.Columns
			slices.Sort(cols[:])
			for i, p := range cols {
				if p != i {
					t.Fatalf("Columns is not a permutation of 0..6: %v", table.Layout.Columns)
				}
			}
		})
	}
}

func TestSegmentString(t *testing.T) {
	if A.String() != "A" || G.String() != "G" || DP.String() != "DP" {
		t.Errorf("unexpected names %s %s %s", A, G, DP)
	}
}

func TestChar(t *testing.T) {
	for _, table := range []*Table{&Direct, &Flipped} {
		t.Run(table.Name, func(t *testing.T) {
			for d := uint8(0); d < 16; d++ {
				want := "0123456789ABCDEF"[d]
				if got := table.Char(table.Encode(d)); got != want {
					t.Errorf("Char(Encode(%d)) = %c, want %c", d, got, want)
				}
				if got := table.Char(table.Encode(d) | table.Point); got != want {
					t.Errorf("Char ignores the point: got %c, want %c", got, want)
				}
			}
			if table.Char(table.Dash) != '-' {
				t.Error("dash should read as '-'")
			}
			if table.Char(0) != ' ' {
				t.Error("blank should read as ' '")
			}
		})
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		table *Table
		want  string
	}{
		// Position i shows digit i.
		{&Direct, "3456012"},
		{&Flipped, "6543210"},
	}

	for _, tt := range tests {
		var frame [Positions]Pattern
		for i := range frame {
			frame[i] = tt.table.Encode(uint8(i)) //nolint:gosec // Positions are below 7
		}
		if got := tt.table.Text(frame); got != tt.want {
			t.Errorf("%s Text() = %q, want %q", tt.table.Name, got, tt.want)
		}
	}
}

package ftdi

import "testing"

func TestParseSelector(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Selector
		wantErr bool
	}{
		{"serial", "SN:210249A85D06", Selector{Kind: SelectSerial, Serial: "210249A85D06"}, false},
		{"index", "IDX:2", Selector{Kind: SelectIndex, Index: 2}, false},
		{"bus location", "BUS:1:14", Selector{Kind: SelectBusLocation, Bus: 1, Addr: 14}, false},
		{"auto", "auto", Selector{Kind: SelectAuto}, false},
		{"empty is auto", "", Selector{Kind: SelectAuto}, false},
		{"empty serial", "SN:", Selector{}, true},
		{"negative index", "IDX:-1", Selector{}, true},
		{"malformed bus", "BUS:1", Selector{}, true},
		{"garbage", "serial=foo", Selector{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSelector(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSelector(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseSelector(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSelectorString(t *testing.T) {
	for _, s := range []string{"SN:FTX1", "IDX:3", "BUS:2:7", "auto"} {
		sel, err := ParseSelector(s)
		if err != nil {
			t.Fatalf("ParseSelector(%q): %v", s, err)
		}
		if got := sel.String(); got != s {
			t.Errorf("String() = %q, want %q", got, s)
		}
	}
}

func TestDivisorFor(t *testing.T) {
	tests := []struct {
		hz      uint32
		divisor uint32
	}{
		{30_000_000, 1},
		{15_000_000, 2},
		{1_000_000, 30},
		{1_000, 30_000},
		{1, 0xFFFF},          // below minimum clamps to the largest divisor
		{100_000_000, 1},     // above maximum clamps to full speed
		{29_999_999, 2},      // never exceed the requested frequency
	}
	for _, tt := range tests {
		if got := divisorFor(tt.hz); got != tt.divisor {
			t.Errorf("divisorFor(%d) = %d, want %d", tt.hz, got, tt.divisor)
		}
	}
}

package irqchip

import "testing"

func TestClass(t *testing.T) {
	tests := []struct {
		id   uint32
		want LineClass
	}{
		{0, ClassSGI},
		{15, ClassSGI},
		{16, ClassPPI},
		{31, ClassPPI},
		{32, ClassSPI},
		{1019, ClassSPI},
		{1020, ClassReserved},
		{SpuriousID, ClassReserved},
	}
	for _, tt := range tests {
		if got := Class(tt.id); got != tt.want {
			t.Fatalf("Class(%d)=%v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestIsSpurious(t *testing.T) {
	for id := uint32(1020); id <= 1023; id++ {
		if !IsSpurious(id) {
			t.Fatalf("IsSpurious(%d)=false, want true", id)
		}
	}
	if IsSpurious(33) || IsSpurious(1024) {
		t.Fatalf("IsSpurious reported a real or out-of-range id as spurious")
	}
}

func TestParsePolarity(t *testing.T) {
	for in, want := range map[string]Polarity{
		"level": LevelTriggered,
		"Edge":  EdgeTriggered,
		"":      LevelTriggered,
	} {
		got, err := ParsePolarity(in)
		if err != nil {
			t.Fatalf("ParsePolarity(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParsePolarity(%q)=%v, want %v", in, got, want)
		}
	}
	if _, err := ParsePolarity("rising"); err == nil {
		t.Fatalf("ParsePolarity(rising) succeeded, want error")
	}

	var p Polarity
	if err := p.UnmarshalText([]byte("edge")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if p != EdgeTriggered {
		t.Fatalf("UnmarshalText gave %v, want edge", p)
	}
}

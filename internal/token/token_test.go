package token

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1", 100000000, true},
		{"1.5", 150000000, true},
		{"0.00000001", 1, true},
		{"0.000000015", 1, true}, // truncated past 8 places
		{"100.12345678", 10012345678, true},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseSigned(t *testing.T) {
	got, ok := ParseSigned("-2.5")
	if !ok {
		t.Fatal("ParseSigned(-2.5) failed")
	}
	if got.Int64() != -250000000 {
		t.Errorf("ParseSigned(-2.5) = %v, want -250000000", got)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00000000"},
		{1, "0.00000001"},
		{150000000, "1.50000000"},
		{-250000000, "-2.50000000"},
	}
	for _, tt := range tests {
		if got := Format(big.NewInt(tt.in)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if Format(nil) != "0.00000000" {
		t.Error("Format(nil) should be zero")
	}
}

func TestRoundTrip(t *testing.T) {
	v, ok := Parse("42.00000042")
	if !ok {
		t.Fatal("parse failed")
	}
	if got := Format(v); got != "42.00000042" {
		t.Errorf("round trip = %q", got)
	}
}

func TestArithmetic(t *testing.T) {
	if got := Add("1.5", "0.25"); got != "1.75000000" {
		t.Errorf("Add = %q", got)
	}
	if got := Sub("1.5", "0.25"); got != "1.25000000" {
		t.Errorf("Sub = %q", got)
	}
	if Cmp("1.5", "1.50000000") != 0 {
		t.Error("Cmp equal amounts should be 0")
	}
	if Cmp("2", "1") != 1 {
		t.Error("Cmp(2,1) should be 1")
	}
	if !IsPositive("0.00000001") {
		t.Error("smallest unit should be positive")
	}
	if IsPositive("0") || IsPositive("-1") || IsPositive("x") {
		t.Error("zero/negative/invalid should not be positive")
	}
}

func TestMul(t *testing.T) {
	cases := []struct {
		a, b, want string
	}{
		{"2", "3", "6.00000000"},
		{"0.5", "50000", "25000.00000000"},
		{"1.5", "0.1", "0.15000000"},
		{"0", "100", "0.00000000"},
		{"bad", "1", "0.00000000"},
	}
	for _, tc := range cases {
		if got := Mul(tc.a, tc.b); got != tc.want {
			t.Errorf("Mul(%q, %q) = %q, want %q", tc.a, tc.b, got, tc.want)
		}
	}
}

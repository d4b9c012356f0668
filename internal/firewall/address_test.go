package firewall

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{" 203.0.113.7 ", "203.0.113.7"},
		{"203.0.113.7/32", "203.0.113.7"},
		{"203.0.113.7/255.255.255.255", "203.0.113.7"},
		{"10.1.2.99/24", "10.1.2.0/24"},
		{"10.1.2.0/255.255.255.0", "10.1.2.0/24"},
		{"10.1.2.0-10.1.2.255", "10.1.2.0/24"},
		{"10.1.2.5-10.1.2.9", "10.1.2.5-10.1.2.9"},
		{"::ffff:198.51.100.4", "198.51.100.4"},
		{"2001:DB8::1", "2001:db8::1"},
	}
	for _, tc := range cases {
		got, err := ParseTarget(tc.in)
		if err != nil {
			t.Fatalf("ParseTarget(%q) returned error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseTarget(%q) returned %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseTargetRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "not-an-ip", "300.1.1.1", "10.0.0.0/33", "10.0.0.0/255.0.255.0", "fe80::1%eth0", "10.0.0.9-10.0.0.1"} {
		if _, err := ParseTarget(in); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("ParseTarget(%q) error = %v, want ErrInvalidAddress", in, err)
		}
	}
}

func TestIsLiteralAddress(t *testing.T) {
	if !IsLiteralAddress("192.0.2.1") {
		t.Fatal("IsLiteralAddress(192.0.2.1) returned false")
	}
	if IsLiteralAddress("192.0.2.0/24") {
		t.Fatal("IsLiteralAddress(192.0.2.0/24) returned true")
	}
}

func TestSplitRemoteAddresses(t *testing.T) {
	got := SplitRemoteAddresses(" 1.2.3.4/255.255.255.255, *, Any,, 10.0.0.0/255.255.255.0 ,1.2.3.4,weird")
	want := []string{"1.2.3.4", "10.0.0.0/24", "weird"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitRemoteAddresses returned %v, want %v", got, want)
	}

	if got := SplitRemoteAddresses("*"); len(got) != 0 {
		t.Fatalf("SplitRemoteAddresses(*) returned %v, want empty", got)
	}
}

func TestFormatRemoteAddresses(t *testing.T) {
	if got := FormatRemoteAddresses(nil); got != "*" {
		t.Fatalf("FormatRemoteAddresses(nil) returned %q, want *", got)
	}
	if got := FormatRemoteAddresses([]string{"10.0.0.1", "10.0.0.2/32"}); got != "10.0.0.1,10.0.0.2" {
		t.Fatalf("FormatRemoteAddresses returned %q", got)
	}
}

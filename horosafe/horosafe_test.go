package horosafe

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	orig := lookupHost
	t.Cleanup(func() { lookupHost = orig })
	lookupHost = func(host string) ([]string, error) {
		switch host {
		case "internal.example":
			return []string{"10.1.2.3"}, nil
		case "hooks.example.com":
			return []string{"93.184.216.34"}, nil
		}
		return nil, errors.New("no such host")
	}

	tests := []struct {
		url  string
		want error
	}{
		{"https://hooks.example.com/abdom", nil},
		{"http://93.184.216.34/x", nil},
		{"https://unresolvable.example/x", nil},
		{"ftp://hooks.example.com/x", ErrUnsafeScheme},
		{"file:///etc/passwd", ErrUnsafeScheme},
		{"http://127.0.0.1:8080/", ErrSSRF},
		{"http://[::1]/", ErrSSRF},
		{"http://169.254.169.254/latest/meta-data", ErrSSRF},
		{"http://192.168.1.10/", ErrSSRF},
		{"https://internal.example/hook", ErrSSRF},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if tt.want == nil && err != nil {
			t.Errorf("ValidateURL(%q) = %v, want nil", tt.url, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("ValidateURL(%q) = %v, want %v", tt.url, err, tt.want)
		}
	}
	if err := ValidateURL("http:///nohost"); err == nil {
		t.Error("URL without host accepted")
	}
}

func TestValidateIdentifier(t *testing.T) {
	good := []string{"ses_1", "srv_0190a8c4-7b2e-7000-8000-000000000000", "a.b-c"}
	for _, s := range good {
		if err := ValidateIdentifier(s); err != nil {
			t.Errorf("ValidateIdentifier(%q) = %v", s, err)
		}
	}
	bad := []string{"", "has space", "semi;colon", "../up", "quote'", strings.Repeat("x", MaxIdentifier+1)}
	for _, s := range bad {
		if err := ValidateIdentifier(s); err == nil {
			t.Errorf("ValidateIdentifier(%q) accepted", s)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("at limit: %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("over limit: err = %v", err)
	}
	data, err = LimitedReadAll(strings.NewReader("unbounded"), 0)
	if err != nil || string(data) != "unbounded" {
		t.Fatalf("no limit: %q, %v", data, err)
	}
}

func TestIsPrivate(t *testing.T) {
	private := []string{"127.0.0.1", "10.0.0.1", "172.16.5.5", "192.168.0.1", "100.64.0.1", "fd00::1", "::ffff:10.0.0.1", "0.0.0.0"}
	for _, s := range private {
		if !isPrivate(netip.MustParseAddr(s)) {
			t.Errorf("%s not private", s)
		}
	}
	public := []string{"8.8.8.8", "172.32.0.1", "2606:4700::1111"}
	for _, s := range public {
		if isPrivate(netip.MustParseAddr(s)) {
			t.Errorf("%s private", s)
		}
	}
}

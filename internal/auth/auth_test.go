package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/edgeipc/internal/testutil/testlog"
)

func TestStaticTokenAuthenticate(t *testing.T) {
	log := testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, err := (StaticToken{Token: tc.stored, ServiceName: "svc.a"}).Authenticate(tc.input)
			log.Debugf("auth/static-token: stored=%q input=%q err=%v", tc.stored, tc.input, err)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
			if err == nil && id.ServiceName != "svc.a" {
				t.Fatalf("unexpected identity: %+v", id)
			}
		})
	}
}

func TestTokenTableAuthenticate(t *testing.T) {
	testlog.Start(t)
	table := TokenTable{"tok-a": "svc.a", "tok-b": "svc.b", "": "svc.empty"}
	id, err := table.Authenticate("tok-b")
	if err != nil || id.ServiceName != "svc.b" {
		t.Fatalf("id=%+v err=%v", id, err)
	}
	for _, tok := range []string{"", " ", "tok-c"} {
		if _, err := table.Authenticate(tok); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("token %q: expected ErrUnauthorized, got %v", tok, err)
		}
	}
}

func TestFuncAuthenticator(t *testing.T) {
	testlog.Start(t)
	a := FuncAuthenticator(func(token string) (Identity, error) {
		if token != "ok" {
			return Identity{}, ErrUnauthorized
		}
		return Identity{ServiceName: "svc.func"}, nil
	})
	if _, err := a.Authenticate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if id, err := a.Authenticate("ok"); err != nil || id.ServiceName != "svc.func" {
		t.Fatalf("id=%+v err=%v", id, err)
	}
}

package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticEligibility(t *testing.T) {
	open := StaticEligibility{}
	if ok, err := open.Eligible(context.Background(), "anyone"); err != nil || !ok {
		t.Fatalf("empty set must approve all: ok=%v err=%v", ok, err)
	}

	restricted := StaticEligibility{Shops: map[string]bool{"shop-1": true}}
	if ok, _ := restricted.Eligible(context.Background(), "shop-1"); !ok {
		t.Fatal("listed shop must be eligible")
	}
	if ok, _ := restricted.Eligible(context.Background(), "shop-2"); ok {
		t.Fatal("unlisted shop must not be eligible")
	}
}

func TestHTTPEligibility(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/shops/shop-1/eligibility":
			w.Write([]byte(`{"eligible":true}`))
		case "/shops/shop-2/eligibility":
			w.Write([]byte(`{"eligible":false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	checker := NewHTTPEligibility(upstream.URL, 0)
	if ok, err := checker.Eligible(context.Background(), "shop-1"); err != nil || !ok {
		t.Fatalf("shop-1: ok=%v err=%v", ok, err)
	}
	if ok, err := checker.Eligible(context.Background(), "shop-2"); err != nil || ok {
		t.Fatalf("shop-2: ok=%v err=%v", ok, err)
	}
	if _, err := checker.Eligible(context.Background(), "missing"); err == nil {
		t.Fatal("non-200 upstream must error")
	}
}

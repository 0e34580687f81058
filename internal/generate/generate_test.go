package generate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"caseline/internal/domain"
)

func TestClientGenerateDecodesArtifacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body requestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Text != "Login\n\nUsers log in" {
			t.Errorf("unexpected text %q", body.Text)
		}
		if len(body.Frameworks) != 1 || body.Frameworks[0] != domain.FrameworkISO27001 {
			t.Errorf("frameworks not forwarded: %v", body.Frameworks)
		}
		_, _ = w.Write([]byte(`{"artifacts":[
			{"summary":"valid login","description":{"kind":"functional","functional":{"steps":[{"action":"submit form"}],"expected_result":"dashboard"}}},
			{"summary":"login latency","description":{"kind":"non_functional","non_functional":{"category":"performance","scenario":"100 users"}}}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	got, err := c.Generate(context.Background(), domain.GenerationRequest{
		Summary:     "Login",
		Description: "Users log in",
		Frameworks:  []domain.ComplianceFramework{domain.FrameworkISO27001},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 2 || got[0].Description.Kind() != domain.KindFunctional || got[1].Description.Kind() != domain.KindNonFunctional {
		t.Fatalf("unexpected drafts: %+v", got)
	}
}

func TestClientGenerateErrorBecomesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"quota exceeded"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second).Generate(context.Background(), domain.GenerationRequest{Summary: "x"})
	var f *Failure
	if !errors.As(err, &f) || !strings.Contains(f.Reason, "quota exceeded") {
		t.Fatalf("expected failure with reason, got %v", err)
	}
}

func TestClientGenerateTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL, "", time.Minute).Generate(ctx, domain.GenerationRequest{Summary: "x"})
	var f *Failure
	if !errors.As(err, &f) || f.Reason != "model timeout" {
		t.Fatalf("expected model timeout, got %v", err)
	}
}

func TestDecodeRejectsInvalidVariant(t *testing.T) {
	_, err := decodeArtifacts([]artifactBody{{
		Summary:     "bad",
		Description: domain.DescriptionEnvelope{Kind: domain.KindCompliance, Compliance: &domain.ComplianceDescription{Framework: "SOC 2", Requirement: "r"}},
	}})
	var f *Failure
	if !errors.As(err, &f) || !strings.Contains(f.Reason, "SOC 2") {
		t.Fatalf("expected invalid framework failure, got %v", err)
	}
}

func TestDecodeRejectsEmpty(t *testing.T) {
	if _, err := decodeArtifacts(nil); err == nil {
		t.Fatal("expected failure for empty artifact list")
	}
}

func TestFuncAdapter(t *testing.T) {
	f := Func(func(ctx context.Context, req domain.GenerationRequest) ([]domain.ArtifactDraft, error) {
		return []domain.ArtifactDraft{{Summary: req.Summary}}, nil
	})
	got, err := f.Generate(context.Background(), domain.GenerationRequest{Summary: "s"})
	if err != nil || len(got) != 1 || got[0].Summary != "s" {
		t.Fatalf("unexpected result %v %v", got, err)
	}
}

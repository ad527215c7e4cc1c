package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRepo struct {
	keys    map[string]APIKey
	touched []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{keys: map[string]APIKey{}}
}

func (f *fakeRepo) CreateKey(ctx context.Context, key APIKey) error {
	f.keys[key.ID] = key
	return nil
}

func (f *fakeRepo) GetKeyByID(ctx context.Context, id string) (APIKey, error) {
	key, ok := f.keys[id]
	if !ok {
		return APIKey{}, ErrKeyNotFound
	}
	return key, nil
}

func (f *fakeRepo) TouchKey(ctx context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func TestIssueAndExchange(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	issued, err := svc.IssueKey(ctx, "agent-1", RoleAgent)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(issued.Plaintext, "ba_") {
		t.Errorf("unexpected key format %q", issued.Plaintext)
	}
	if strings.Contains(issued.Key.SecretHash, strings.SplitN(issued.Plaintext, "_", 3)[2]) {
		t.Errorf("plaintext secret must not appear in stored hash")
	}

	token, err := svc.Exchange(ctx, issued.Plaintext)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	agentID, role, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if agentID != "agent-1" || role != RoleAgent {
		t.Errorf("expected agent-1/agent, got %s/%s", agentID, role)
	}
	if len(repo.touched) != 1 {
		t.Errorf("expected last_used_at touch on exchange")
	}
}

func TestExchangeRejectsBadKeys(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	issued, err := svc.IssueKey(ctx, "agent-1", RoleArbitrator)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := []string{
		"garbage",
		"ba_missing-secret",
		"ba_" + issued.Key.ID + "_wrongsecret",
		"ba_unknown-id_secret",
	}
	for _, plaintext := range cases {
		if _, err := svc.Exchange(ctx, plaintext); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("key %q: expected ErrInvalidCredentials, got %v", plaintext, err)
		}
	}
}

func TestVerifyTokenRejectsForeignSignature(t *testing.T) {
	repo := newFakeRepo()
	issuer := NewService(repo, "secret-a")
	verifier := NewService(repo, "secret-b")
	ctx := context.Background()

	issued, err := issuer.IssueKey(ctx, "agent-1", RoleAgent)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	token, err := issuer.Exchange(ctx, issued.Plaintext)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if _, _, err := verifier.VerifyToken(token); err == nil {
		t.Fatalf("expected verification failure across secrets")
	}
}

func TestIssueKeyValidatesRole(t *testing.T) {
	svc := NewService(newFakeRepo(), "test-secret")

	if _, err := svc.IssueKey(context.Background(), "agent-1", Role("admin")); err == nil {
		t.Fatalf("expected invalid role rejection")
	}
	if _, err := svc.IssueKey(context.Background(), "", RoleAgent); err == nil {
		t.Fatalf("expected missing agent id rejection")
	}
}

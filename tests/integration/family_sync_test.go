package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nestlog/nestlog/internal/auth"
	"github.com/nestlog/nestlog/internal/docstore"
	"github.com/nestlog/nestlog/internal/identity"
	"github.com/nestlog/nestlog/internal/kvstore"
	"github.com/nestlog/nestlog/internal/profile"
	"github.com/nestlog/nestlog/internal/record"
	"github.com/nestlog/nestlog/internal/sharing"
	"github.com/nestlog/nestlog/internal/syncserver"
)

const (
	signingSecret = "integration-secret"
	subjectID     = "123456"
	jsonContent   = "application/json"
)

// device bundles everything one client process would construct at startup.
type device struct {
	caller   identity.CallerIdentity
	remote   *docstore.HTTPClient
	registry *profile.Registry
	protocol *sharing.Protocol
	store    *record.Store
}

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:integration?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&syncserver.DocumentRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	storage, err := syncserver.NewStorage(syncserver.StorageConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build storage: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "nestlog-auth",
		Audience:      "nestlog-sync",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	handler, err := syncserver.NewHTTPHandler(syncserver.Dependencies{
		Tokens:   issuer,
		Storage:  storage,
		Realtime: syncserver.NewDispatcher(),
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func fetchToken(t *testing.T, serverURL, userID string) string {
	t.Helper()
	body := map[string]string{"user_id": userID}
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode token request: %v", err)
	}
	response, err := http.Post(serverURL+"/v1/auth/token", jsonContent, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected token status: %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return payload.AccessToken
}

func newDevice(t *testing.T, serverURL, userID, displayName string) *device {
	t.Helper()

	caller, err := identity.NewCallerIdentity(userID, displayName, "")
	if err != nil {
		t.Fatalf("failed to build identity: %v", err)
	}
	remote, err := docstore.NewHTTPClient(docstore.HTTPClientConfig{
		BaseURL: serverURL,
		Token:   fetchToken(t, serverURL, userID),
	})
	if err != nil {
		t.Fatalf("failed to build remote client: %v", err)
	}

	local := kvstore.NewMemory()
	registry, err := profile.NewRegistry(profile.RegistryConfig{
		Remote:    remote,
		Local:     local,
		KeyPrefix: "app_",
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	protocol, err := sharing.NewProtocol(sharing.ProtocolConfig{
		Remote:   remote,
		Registry: registry,
	})
	if err != nil {
		t.Fatalf("failed to build sharing protocol: %v", err)
	}
	store, err := record.NewStore(record.StoreConfig{
		Remote:    remote,
		Local:     local,
		KeyPrefix: "app_",
	})
	if err != nil {
		t.Fatalf("failed to build record store: %v", err)
	}

	return &device{
		caller:   caller,
		remote:   remote,
		registry: registry,
		protocol: protocol,
		store:    store,
	}
}

func TestFamilySharingEndToEnd(t *testing.T) {
	server := startServer(t)
	ctx := context.Background()

	owner := newDevice(t, server.URL, "owner-1", "Avery")
	member := newDevice(t, server.URL, "member-1", "Blake")

	// owner creates the subject and hands out a code
	if _, err := owner.registry.Create(ctx, owner.caller, profile.Subject{ID: subjectID, DisplayName: "June"}); err != nil {
		t.Fatalf("failed to create subject: %v", err)
	}
	subjects := owner.registry.List()
	if len(subjects) != 1 || subjects[0].Role != profile.RoleOwner {
		t.Fatalf("expected owner-role subject, got %#v", subjects)
	}

	invitation, err := owner.protocol.IssueInvitation(ctx, subjectID)
	if err != nil {
		t.Fatalf("failed to issue invitation: %v", err)
	}

	// second identity redeems within the validity window
	result, err := member.protocol.RedeemInvitation(ctx, invitation.Code, member.caller)
	if err != nil {
		t.Fatalf("failed to redeem invitation: %v", err)
	}
	if !result.Success || result.Subject == nil {
		t.Fatalf("expected successful redemption, got %+v", result)
	}
	if result.Subject.Role != profile.RoleMember {
		t.Fatalf("expected member role, got %q", result.Subject.Role)
	}
	if err := member.registry.ApplyRemote(*result.Subject, profile.RoleMember); err != nil {
		t.Fatalf("failed to persist joined subject: %v", err)
	}

	// member subscribes before the owner writes anything
	snapshots := make(chan []record.ActivityEvent, 8)
	unsubscribe, err := member.store.Subscribe(ctx, subjectID, func(events []record.ActivityEvent) {
		snapshots <- events
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer unsubscribe()

	select {
	case initial := <-snapshots:
		if len(initial) != 0 {
			t.Fatalf("expected empty initial snapshot, got %#v", initial)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}

	// owner logs a feed on their own device
	appended, err := owner.store.Append(ctx, record.ActivityEvent{
		SubjectID:        subjectID,
		Kind:             record.KindFeed,
		OccurredAtMillis: time.Now().UnixMilli(),
		Amount:           120,
	})
	if err != nil {
		t.Fatalf("failed to append feed event: %v", err)
	}
	if !appended.RemoteSynced {
		t.Fatal("expected remote-synced append")
	}

	// the member's subscription sees the feed arrive
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snapshot := <-snapshots:
			for _, event := range snapshot {
				if event.Kind == record.KindFeed && event.Amount == 120 {
					return
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for the feed event to reach the member device")
		}
	}
}

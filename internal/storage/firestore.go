package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/authbroker/internal/crypto"
	"github.com/dgellow/authbroker/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore persists credentials in Google Cloud Firestore, one
// document per key. Tokens are encrypted before they leave the process.
//
// Reads and writes both return errors: a credential that silently failed to
// persist would force the user through another browser login.
type FirestoreStore struct {
	client     *firestore.Client
	projectID  string
	collection string
	encryptor  crypto.Encryptor
}

// Ensure FirestoreStore implements CredentialStore
var _ CredentialStore = (*FirestoreStore)(nil)

// CredentialDoc represents a credential document in Firestore
type CredentialDoc struct {
	Key          string     `firestore:"key"`
	AccessToken  string     `firestore:"access_token"`            // Encrypted
	RefreshToken string     `firestore:"refresh_token,omitempty"` // Encrypted
	HasRefresh   bool       `firestore:"has_refresh"`
	TokenType    string     `firestore:"token_type,omitempty"`
	ExpiresAt    *time.Time `firestore:"expires_at,omitempty"`
	Scope        string     `firestore:"scope,omitempty"`
	Subject      string     `firestore:"subject,omitempty"`
	AccountID    string     `firestore:"account_id,omitempty"`
	AccountName  string     `firestore:"account_name,omitempty"`
	BaseURI      string     `firestore:"base_uri,omitempty"`
	UpdatedAt    time.Time  `firestore:"updated_at"`
}

// NewFirestoreStore creates a new Firestore credential store
func NewFirestoreStore(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor) (*FirestoreStore, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Firestore credential store ready", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	return &FirestoreStore{
		client:     client,
		projectID:  projectID,
		collection: collection,
		encryptor:  encryptor,
	}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// toDoc encrypts the token fields of cred
func toDoc(key string, cred *StoredCredential, encryptor crypto.Encryptor) (*CredentialDoc, error) {
	encryptedAccess, err := encryptor.Encrypt(cred.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	doc := &CredentialDoc{
		Key:         key,
		AccessToken: encryptedAccess,
		HasRefresh:  cred.RefreshToken != "",
		TokenType:   cred.TokenType,
		Scope:       cred.Scope,
		Subject:     cred.Subject,
		AccountID:   cred.AccountID,
		AccountName: cred.AccountName,
		BaseURI:     cred.BaseURI,
		UpdatedAt:   cred.UpdatedAt,
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	if !cred.Expiry.IsZero() {
		expiry := cred.Expiry.UTC()
		doc.ExpiresAt = &expiry
	}
	if cred.RefreshToken != "" {
		encryptedRefresh, err := encryptor.Encrypt(cred.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		doc.RefreshToken = encryptedRefresh
	}
	return doc, nil
}

// fromDoc decrypts a document back into a credential
func fromDoc(doc *CredentialDoc, encryptor crypto.Encryptor) (*StoredCredential, error) {
	access, err := encryptor.Decrypt(doc.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	cred := &StoredCredential{
		AccessToken: access,
		TokenType:   doc.TokenType,
		Scope:       doc.Scope,
		Subject:     doc.Subject,
		AccountID:   doc.AccountID,
		AccountName: doc.AccountName,
		BaseURI:     doc.BaseURI,
		UpdatedAt:   doc.UpdatedAt,
	}
	if doc.ExpiresAt != nil {
		cred.Expiry = *doc.ExpiresAt
	}
	if doc.RefreshToken != "" {
		refresh, err := encryptor.Decrypt(doc.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		cred.RefreshToken = refresh
	}
	return cred, nil
}

func (s *FirestoreStore) Get(ctx context.Context, key string) (*StoredCredential, error) {
	snap, err := s.client.Collection(s.collection).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential from Firestore: %w", err)
	}

	var doc CredentialDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return fromDoc(&doc, s.encryptor)
}

func (s *FirestoreStore) Put(ctx context.Context, key string, cred *StoredCredential) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("credential cannot be nil")
	}

	doc, err := toDoc(key, cred, s.encryptor)
	if err != nil {
		return err
	}
	if _, err := s.client.Collection(s.collection).Doc(key).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to store credential in Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Collection(s.collection).Doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete credential from Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreStore) List(ctx context.Context) ([]string, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var keys []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate credentials: %w", err)
		}
		keys = append(keys, snap.Ref.ID)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FirestoreStore) DeleteExpired(ctx context.Context) (int, error) {
	iter := s.client.Collection(s.collection).
		Where("has_refresh", "==", false).
		Where("expires_at", "<=", time.Now().UTC()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to query expired credentials: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			log.LogErrorWithFields("storage", "Failed to delete expired credential", map[string]any{
				"key":   snap.Ref.ID,
				"error": err.Error(),
			})
			continue
		}
		count++
	}
	return count, nil
}

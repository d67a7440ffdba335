// Package security implements Haggle's Security Manager (spec §4.9):
// CA-rooted node identity, signature generation and verification at the
// configured security level, and the certificate store peers populate as
// they are encountered.
package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/kernel"
	hnode "github.com/haggle-project/haggled/internal/node"
	"github.com/haggle-project/haggled/internal/store"
	"github.com/haggle-project/haggled/pkg/log"
)

// Level is the configured strictness of object verification (spec §4.9,
// wired to the `-s 0|1|2` CLI flag).
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
)

// DefaultLevel matches spec §4.9's "Default medium".
const DefaultLevel = LevelMedium

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelHigh:
		return "high"
	default:
		return "medium"
	}
}

const (
	localKeySize = 2048
	certValidity = 365 * 24 * time.Hour

	repositoryAuthority = "SecurityManager"
	privkeyRepoKey      = "privkey"
)

// Manager implements kernel.EventHandler for signing outgoing objects,
// verifying incoming ones at the configured Level, and maintaining the
// subject->certificate store peers populate as they are encountered.
type Manager struct {
	k         *kernel.Kernel
	thisNode  *hnode.Node
	nodes     *hnode.Store
	dataStore store.Store
	log       zerolog.Logger

	Level Level

	privKey *rsa.PrivateKey
	cert    *x509.Certificate // this node's own certificate

	mu    sync.RWMutex
	certs map[string]*x509.Certificate // subject (node id string) -> certificate
}

// New creates a Security Manager at spec §4.9's default level.
func New(k *kernel.Kernel, thisNode *hnode.Node, nodes *hnode.Store, dataStore store.Store) *Manager {
	return &Manager{
		k:         k,
		thisNode:  thisNode,
		nodes:     nodes,
		dataStore: dataStore,
		log:       log.WithComponent("security"),
		Level:     DefaultLevel,
		certs:     make(map[string]*x509.Certificate),
	}
}

func (m *Manager) Name() string { return "security" }

// Start loads a previously synthesised identity (private key + every
// certificate entry) from the repository, or synthesises a fresh one and
// persists the private key immediately (spec §4.9 "Startup").
func (m *Manager) Start(ctx context.Context) error {
	entries, err := m.dataStore.RepositoryByAuthority(ctx, repositoryAuthority)
	if err != nil {
		return fmt.Errorf("security: load repository state: %w", err)
	}

	for subject, value := range entries {
		if subject == privkeyRepoKey {
			key, err := parsePrivateKeyPEM(value)
			if err != nil {
				m.log.Error().Err(err).Msg("failed to parse stored private key")
				continue
			}
			m.privKey = key
			continue
		}
		cert, err := parseCertificatePEM(value)
		if err != nil {
			m.log.Error().Err(err).Str("subject", subject).Msg("failed to parse stored certificate")
			continue
		}
		m.certs[subject] = cert
	}

	if m.privKey == nil {
		if err := m.synthesizeIdentity(ctx); err != nil {
			return err
		}
	}
	if cert, ok := m.certs[m.thisNode.ID().String()]; ok {
		m.cert = cert
	}

	m.k.Subscribe(m, kernel.TypeDataObjectIncoming)
	m.k.Subscribe(m, kernel.TypeDataObjectReceived)
	m.k.Subscribe(m, kernel.TypeDataObjectSend)
	return nil
}

func (m *Manager) PrepareShutdown(ctx context.Context) error { return nil }

// Shutdown persists every known certificate to the repository (spec §4.9
// "Certificate store: ... persisted at shutdown to repository").
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for subject, cert := range m.certs {
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
		if err := m.dataStore.PutRepository(ctx, repositoryAuthority, subject, string(pemBytes)); err != nil {
			m.log.Error().Err(err).Str("subject", subject).Msg("failed to persist certificate")
		}
	}
	return nil
}

func (m *Manager) HandleEvent(ctx context.Context, ev *kernel.Event) {
	obj, ok := ev.Payload.(*dataobject.DataObject)
	if !ok {
		return
	}
	switch ev.Type {
	case kernel.TypeDataObjectIncoming:
		m.onIncoming(obj)
	case kernel.TypeDataObjectReceived:
		m.onReceived(ctx, obj)
	case kernel.TypeDataObjectSend:
		m.onSend(obj)
	}
}

// onIncoming absorbs an embedded certificate (if the CA accepts it) and
// signs objects freshly published by a local application, which arrive
// with no signature of their own (spec §4.9 "DATAOBJECT_INCOMING").
func (m *Manager) onIncoming(obj *dataobject.DataObject) {
	if len(obj.Certificate) > 0 {
		if cert, err := m.verifyAndParseCertificate(obj.Certificate); err != nil {
			m.log.Debug().Err(err).Msg("rejecting embedded certificate")
		} else {
			m.mu.Lock()
			m.certs[cert.Subject.CommonName] = cert
			m.mu.Unlock()
		}
	}

	if obj.SignatureState != dataobject.SignatureMissing {
		return
	}
	sender, ok := m.nodes.SenderFor(obj.RemoteInterfaceID)
	if !ok || sender.Type != hnode.TypeApplication {
		return
	}
	m.signObject(obj)
}

// onReceived decides, per the configured Level, whether obj's signature
// must check out before it can be raised as verified (spec §4.9
// "DATAOBJECT_RECEIVED").
func (m *Manager) onReceived(ctx context.Context, obj *dataobject.DataObject) {
	if !m.requiresVerification(obj) {
		m.k.Post(kernel.NewPublic(kernel.TypeDataObjectVerified, obj))
		return
	}

	go func() {
		ok := m.verifySignature(obj)
		m.k.PostPrivate(verifyOutcome{obj: obj, ok: ok}, func(ev *kernel.Event) {
			o := ev.Payload.(verifyOutcome)
			m.onVerified(o)
		})
	}()
}

type verifyOutcome struct {
	obj *dataobject.DataObject
	ok  bool
}

func (m *Manager) onVerified(o verifyOutcome) {
	if !o.ok {
		o.obj.SignatureState = dataobject.SignatureInvalid
		m.log.Warn().Str("dataobject", o.obj.ID().String()).Msg("dropping data object with invalid signature")
		return
	}
	o.obj.SignatureState = dataobject.SignatureValid
	m.k.Post(kernel.NewPublic(kernel.TypeDataObjectVerified, o.obj))
}

// onSend attaches thisNode's certificate to its own description and signs
// any internal object (e.g. a node description) that isn't signed yet
// (spec §4.9 "DATAOBJECT_SEND").
func (m *Manager) onSend(obj *dataobject.DataObject) {
	if obj.IsThisNodeDescr && m.cert != nil {
		obj.Certificate = m.cert.Raw
	}
	if obj.IsNodeDescription && obj.SignatureState == dataobject.SignatureMissing {
		m.signObject(obj)
	}
}

// requiresVerification implements spec §4.9's per-Level policy: low never
// checks, medium checks node descriptions only, high checks every signed
// object as well as every node description.
func (m *Manager) requiresVerification(obj *dataobject.DataObject) bool {
	switch m.Level {
	case LevelLow:
		return false
	case LevelHigh:
		return obj.IsNodeDescription || obj.SignatureState != dataobject.SignatureMissing
	default:
		return obj.IsNodeDescription
	}
}

// signObject signs obj's id with the local private key, the same
// construction verifySignature expects on the receiving end.
func (m *Manager) signObject(obj *dataobject.DataObject) {
	id := obj.ID()
	digest := sha256.Sum256(id[:])
	sig, err := rsa.SignPKCS1v15(rand.Reader, m.privKey, 0, digest[:])
	if err != nil {
		m.log.Error().Err(err).Msg("failed to sign data object")
		return
	}
	obj.Signature = sig
	obj.SignatureState = dataobject.SignatureUnverified
}

// verifySignature resolves the sending node's stored certificate and
// checks obj.Signature against it. Meant to run off the kernel goroutine.
func (m *Manager) verifySignature(obj *dataobject.DataObject) bool {
	sender, ok := m.nodes.SenderFor(obj.RemoteInterfaceID)
	if !ok {
		return false
	}
	m.mu.RLock()
	cert, ok := m.certs[sender.ID().String()]
	m.mu.RUnlock()
	if !ok || len(obj.Signature) == 0 {
		return false
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false
	}
	id := obj.ID()
	digest := sha256.Sum256(id[:])
	return rsa.VerifyPKCS1v15(pub, 0, digest[:], obj.Signature) == nil
}

// synthesizeIdentity generates a fresh RSA key pair and a self-subject
// certificate signed by the compiled-in CA (spec §4.9 "Startup"),
// persisting the private key immediately so a crash before the next clean
// shutdown doesn't silently mint a new identity.
func (m *Manager) synthesizeIdentity(ctx context.Context) error {
	key, err := rsa.GenerateKey(rand.Reader, localKeySize)
	if err != nil {
		return fmt.Errorf("security: generate local key: %w", err)
	}

	root, rootKey, err := trustRoot()
	if err != nil {
		return err
	}

	subject := m.thisNode.ID().String()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("security: generate serial number: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: subject, Organization: []string{"Haggle"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, root, &key.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("security: issue self certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("security: parse self certificate: %w", err)
	}

	m.privKey = key
	m.certs[subject] = cert

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := m.dataStore.PutRepository(ctx, repositoryAuthority, privkeyRepoKey, string(keyPEM)); err != nil {
		m.log.Error().Err(err).Msg("failed to persist synthesised private key")
	}
	return nil
}

// verifyAndParseCertificate parses a DER-encoded certificate and checks it
// chains to the compiled-in CA (spec §4.9 "verify its signature with the
// CA public key").
func (m *Manager) verifyAndParseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("security: parse certificate: %w", err)
	}
	root, _, err := trustRoot()
	if err != nil {
		return nil, err
	}
	roots := x509.NewCertPool()
	roots.AddCert(root)
	if _, err := cert.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		return nil, fmt.Errorf("security: certificate does not chain to trust root: %w", err)
	}
	return cert, nil
}

func parsePrivateKeyPEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("security: malformed private key PEM")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func parseCertificatePEM(s string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("security: malformed certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

package runspace

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // required by MS-PSRP's RSA-OAEP label hash choice
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/pwshremote/psrp/messages"
	"github.com/pwshremote/psrp/serialization"
)

// SecurityEventCallback receives notifications about security-relevant protocol
// events, such as session-key negotiation succeeding or failing. event is a
// short machine-readable tag; details carries event-specific context.
type SecurityEventCallback func(event string, details map[string]any)

// SetSecurityEventCallback sets the callback for security events.
// This allows the consumer (e.g., go-psrp client) to receive and log
// security-relevant events from the protocol layer.
func (p *Pool) SetSecurityEventCallback(callback SecurityEventCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.securityCallback = callback
}

// emitSecurityEvent invokes the security callback if set.
func (p *Pool) emitSecurityEvent(event string, details map[string]any) {
	p.mu.RLock()
	cb := p.securityCallback
	p.mu.RUnlock()
	if cb != nil {
		cb(event, details)
	}
}

// sessionKeyExchange holds the client-side state for the MS-PSRP session-key
// exchange (2.2.2.8 PUBLIC_KEY / 2.2.2.9 ENCRYPTED_SESSION_KEY). The client
// generates an RSA keypair on demand, hands the public half to the server,
// and unwraps the AES session key the server sends back. Once established,
// it implements serialization.EncryptionProvider so CLIXML SecureString
// values can be sealed/opened on the wire.
type sessionKeyExchange struct {
	mu         sync.RWMutex
	privateKey *rsa.PrivateKey
	aesKey     []byte
}

func newSessionKeyExchange() *sessionKeyExchange {
	return &sessionKeyExchange{}
}

// established reports whether the AES session key has been negotiated.
func (s *sessionKeyExchange) established() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aesKey != nil
}

// ensureKeyPair generates the client's RSA keypair the first time it is needed.
func (s *sessionKeyExchange) ensureKeyPair() (*rsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.privateKey != nil {
		return s.privateKey, nil
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate session key exchange keypair: %w", err)
	}
	s.privateKey = key
	return key, nil
}

// publicKeyBase64 returns the client's RSA public key, PKIX DER-encoded and
// base64'd, generating a keypair first if one doesn't exist yet.
func (s *sessionKeyExchange) publicKeyBase64() (string, error) {
	key, err := s.ensureKeyPair()
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// unwrapSessionKey RSA-OAEP decrypts the server's wrapped AES session key
// using the client's private key and stores the recovered key.
func (s *sessionKeyExchange) unwrapSessionKey(wrapped []byte) error {
	s.mu.Lock()
	priv := s.privateKey
	s.mu.Unlock()
	if priv == nil {
		return fmt.Errorf("no keypair generated: server sent session key before requesting one")
	}

	key, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return fmt.Errorf("unwrap session key: %w", err)
	}

	s.mu.Lock()
	s.aesKey = key
	s.mu.Unlock()
	return nil
}

// Encrypt seals data under the negotiated AES session key using AES-GCM,
// prepending the nonce to the ciphertext. Implements serialization.EncryptionProvider.
func (s *sessionKeyExchange) Encrypt(data []byte) ([]byte, error) {
	s.mu.RLock()
	key := s.aesKey
	s.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("session key not established")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create AES-GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens data sealed by Encrypt (nonce-prefixed AES-GCM ciphertext).
// Implements serialization.EncryptionProvider.
func (s *sessionKeyExchange) Decrypt(data []byte) ([]byte, error) {
	s.mu.RLock()
	key := s.aesKey
	s.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("session key not established")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create AES-GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// handlePublicKeyRequest responds to the server's PUBLIC_KEY_REQUEST by
// generating (if needed) an RSA keypair and sending the public half back
// as a PUBLIC_KEY message.
func (p *Pool) handlePublicKeyRequest(ctx context.Context) error {
	pubB64, err := p.sessionKey.publicKeyBase64()
	if err != nil {
		return err
	}

	data := []byte(fmt.Sprintf(`<Obj RefId="0"><MS><S N="PublicKey">%s</S></MS></Obj>`, pubB64))
	msg := messages.NewPublicKey(p.id, data)
	return p.sendMessage(ctx, msg)
}

// handleEncryptedSessionKey decrypts the server-provided AES session key
// carried in an ENCRYPTED_SESSION_KEY message and stores it for subsequent
// SecureString sealing/opening.
func (p *Pool) handleEncryptedSessionKey(msg *messages.Message) error {
	b64, err := parseEncryptedSessionKeyData(msg.Data)
	if err != nil {
		return err
	}

	wrapped, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode encrypted session key: %w", err)
	}

	return p.sessionKey.unwrapSessionKey(wrapped)
}

// parseEncryptedSessionKeyData extracts the base64 EncryptedSessionKey
// property from an ENCRYPTED_SESSION_KEY message's CLIXML payload.
func parseEncryptedSessionKeyData(data []byte) (string, error) {
	deser := serialization.NewDeserializer()
	objs, err := deser.Deserialize(data)
	if err != nil {
		return "", fmt.Errorf("deserialize encrypted session key: %w", err)
	}
	if len(objs) == 0 {
		return "", fmt.Errorf("no object in ENCRYPTED_SESSION_KEY message")
	}
	psObj, ok := objs[0].(*serialization.PSObject)
	if !ok {
		return "", fmt.Errorf("ENCRYPTED_SESSION_KEY payload is not a PSObject, got %T", objs[0])
	}
	key, ok := psObj.Properties["EncryptedSessionKey"].(string)
	if !ok {
		return "", fmt.Errorf("ENCRYPTED_SESSION_KEY payload missing EncryptedSessionKey property")
	}
	return key, nil
}

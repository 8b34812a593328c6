package rhizome

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxManifestBytes bounds the encoded size of a manifest, signature included.
const MaxManifestBytes = 8192

var (
	ErrInvalidManifest  = errors.New("invalid manifest")
	ErrInvalidSignature = errors.New("invalid manifest signature")
	ErrSecretMismatch   = errors.New("bundle secret does not match bundle id")
)

// Manifest describes one version of a bundle. The text form is a sequence of
// key=value lines, a NUL byte, then the Ed25519 signature of the lines.
type Manifest struct {
	ID        BundleID
	Version   int64
	FileSize  int64
	FileHash  FileHash // zero when FileSize is 0
	Service   string
	Name      string
	Date      int64 // milliseconds since epoch, 0 when absent
	Sender    *SubscriberID
	Recipient *SubscriberID
	Crypt     bool
	Tail      *int64

	// Extra keeps fields this package does not interpret, so that a
	// re-encoded manifest keeps its signature valid.
	Extra map[string]string

	Signature []byte
}

// ParseManifest decodes a manifest from its wire form. The signature, when
// present, is kept but not checked; call Verify for that.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidManifest)
	}
	if len(data) > MaxManifestBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidManifest, len(data), MaxManifestBytes)
	}

	body := data
	var sig []byte
	if i := bytes.IndexByte(data, 0); i >= 0 {
		body = data[:i]
		sig = data[i+1:]
		if len(sig) != 0 && len(sig) != ed25519.SignatureSize {
			return nil, fmt.Errorf("%w: signature block is %d bytes", ErrInvalidManifest, len(sig))
		}
	}

	fields, err := parseFields(body)
	if err != nil {
		return nil, err
	}

	m := &Manifest{Extra: make(map[string]string)}
	if len(sig) > 0 {
		m.Signature = append([]byte(nil), sig...)
	}
	if err := m.assign(fields); err != nil {
		return nil, err
	}
	// The signature covers Body, so any other spelling of the same fields
	// could never verify.
	if !bytes.Equal(m.Body(), body) {
		return nil, fmt.Errorf("%w: fields not in canonical form", ErrInvalidManifest)
	}
	return m, nil
}

func parseFields(body []byte) (map[string]string, error) {
	fields := make(map[string]string)
	if len(body) == 0 {
		return fields, nil
	}
	if body[len(body)-1] != '\n' {
		return nil, fmt.Errorf("%w: last line not terminated", ErrInvalidManifest)
	}
	for n, line := range bytes.Split(body[:len(body)-1], []byte{'\n'}) {
		eq := bytes.IndexByte(line, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: line %d: missing key", ErrInvalidManifest, n+1)
		}
		key := string(line[:eq])
		if !validKey(key) {
			return nil, fmt.Errorf("%w: line %d: bad key %q", ErrInvalidManifest, n+1, key)
		}
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidManifest, key)
		}
		fields[key] = string(line[eq+1:])
	}
	return fields, nil
}

func validKey(k string) bool {
	for i, c := range k {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return k != ""
}

// ValidFieldValue reports whether v can be carried in a manifest line.
func ValidFieldValue(v string) bool {
	return !strings.ContainsAny(v, "\n\x00")
}

var knownKeys = map[string]bool{
	"id": true, "version": true, "filesize": true, "filehash": true, "service": true,
	"name": true, "date": true, "sender": true, "recipient": true, "crypt": true, "tail": true,
}

// Validate checks that every field encodes to a single manifest line.
func (m *Manifest) Validate() error {
	if !ValidFieldValue(m.Service) {
		return fmt.Errorf("%w: service contains a newline or NUL", ErrInvalidManifest)
	}
	if !ValidFieldValue(m.Name) {
		return fmt.Errorf("%w: name contains a newline or NUL", ErrInvalidManifest)
	}
	for k, v := range m.Extra {
		if !validKey(k) || knownKeys[k] {
			return fmt.Errorf("%w: bad extra key %q", ErrInvalidManifest, k)
		}
		if !ValidFieldValue(v) {
			return fmt.Errorf("%w: %s contains a newline or NUL", ErrInvalidManifest, k)
		}
	}
	return nil
}

func (m *Manifest) assign(fields map[string]string) error {
	var err error
	req := func(k string) (string, error) {
		v, ok := fields[k]
		if !ok {
			return "", fmt.Errorf("%w: missing %q", ErrInvalidManifest, k)
		}
		delete(fields, k)
		return v, nil
	}
	num := func(k, v string) (int64, error) {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %s=%q is not a non-negative integer", ErrInvalidManifest, k, v)
		}
		return n, nil
	}

	v, err := req("id")
	if err != nil {
		return err
	}
	if m.ID, err = ParseBundleID(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if v, err = req("version"); err != nil {
		return err
	}
	if m.Version, err = num("version", v); err != nil {
		return err
	}
	if v, err = req("filesize"); err != nil {
		return err
	}
	if m.FileSize, err = num("filesize", v); err != nil {
		return err
	}

	if v, ok := fields["filehash"]; ok {
		delete(fields, "filehash")
		if m.FileSize == 0 {
			return fmt.Errorf("%w: filehash present with filesize=0", ErrInvalidManifest)
		}
		if m.FileHash, err = ParseFileHash(v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	} else if m.FileSize > 0 {
		return fmt.Errorf("%w: missing %q", ErrInvalidManifest, "filehash")
	}

	for k, v := range fields {
		switch k {
		case "service":
			m.Service = v
		case "name":
			m.Name = v
		case "date":
			if m.Date, err = num(k, v); err != nil {
				return err
			}
		case "sender", "recipient":
			sid, perr := ParseSubscriberID(v)
			if perr != nil {
				return fmt.Errorf("%w: %v", ErrInvalidManifest, perr)
			}
			if k == "sender" {
				m.Sender = &sid
			} else {
				m.Recipient = &sid
			}
		case "crypt":
			switch v {
			case "0":
			case "1":
				m.Crypt = true
			default:
				return fmt.Errorf("%w: crypt=%q", ErrInvalidManifest, v)
			}
		case "tail":
			t, terr := num(k, v)
			if terr != nil {
				return terr
			}
			m.Tail = &t
		default:
			m.Extra[k] = v
		}
	}
	return nil
}

func (m *Manifest) fields() map[string]string {
	f := make(map[string]string, len(m.Extra)+8)
	for k, v := range m.Extra {
		f[k] = v
	}
	f["id"] = m.ID.String()
	f["version"] = strconv.FormatInt(m.Version, 10)
	f["filesize"] = strconv.FormatInt(m.FileSize, 10)
	if m.FileSize > 0 {
		f["filehash"] = m.FileHash.String()
	}
	if m.Service != "" {
		f["service"] = m.Service
	}
	if m.Name != "" {
		f["name"] = m.Name
	}
	if m.Date != 0 {
		f["date"] = strconv.FormatInt(m.Date, 10)
	}
	if m.Sender != nil {
		f["sender"] = m.Sender.String()
	}
	if m.Recipient != nil {
		f["recipient"] = m.Recipient.String()
	}
	if m.Crypt {
		f["crypt"] = "1"
	}
	if m.Tail != nil {
		f["tail"] = strconv.FormatInt(*m.Tail, 10)
	}
	return f
}

var leadingKeys = []string{"id", "version", "filesize", "filehash"}

// Body returns the signed part of the manifest in canonical field order.
func (m *Manifest) Body() []byte {
	f := m.fields()
	var buf bytes.Buffer
	for _, k := range leadingKeys {
		if v, ok := f[k]; ok {
			buf.WriteString(k + "=" + v + "\n")
			delete(f, k)
		}
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(k + "=" + f[k] + "\n")
	}
	return buf.Bytes()
}

// Bytes returns the wire form: body, NUL, signature.
func (m *Manifest) Bytes() []byte {
	body := m.Body()
	out := make([]byte, 0, len(body)+1+len(m.Signature))
	out = append(out, body...)
	out = append(out, 0)
	return append(out, m.Signature...)
}

// Sign signs the manifest body with the bundle secret.
func (m *Manifest) Sign(secret BundleSecret) error {
	if secret.BundleID() != m.ID {
		return ErrSecretMismatch
	}
	if err := m.Validate(); err != nil {
		return err
	}
	m.Signature = ed25519.Sign(secret.PrivateKey(), m.Body())
	return nil
}

// Verify checks the signature against the bundle ID. A manifest whose
// fields would not survive encoding fails with ErrInvalidManifest.
func (m *Manifest) Verify() error {
	if err := m.Validate(); err != nil {
		return err
	}
	if len(m.Signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(m.ID[:]), m.Body(), m.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// IsNewerThan reports whether m is a later version of the same bundle.
func (m *Manifest) IsNewerThan(other *Manifest) bool {
	return other != nil && m.ID == other.ID && m.Version > other.Version
}

// DateTime converts Date to a time.Time; the zero time when absent.
func (m *Manifest) DateTime() time.Time {
	if m.Date == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Date)
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Extra = make(map[string]string, len(m.Extra))
	for k, v := range m.Extra {
		c.Extra[k] = v
	}
	if m.Sender != nil {
		s := *m.Sender
		c.Sender = &s
	}
	if m.Recipient != nil {
		r := *m.Recipient
		c.Recipient = &r
	}
	if m.Tail != nil {
		t := *m.Tail
		c.Tail = &t
	}
	c.Signature = append([]byte(nil), m.Signature...)
	return &c
}

// ParsePartialManifest reads the key=value fields of a manifest that may be
// incomplete and unsigned. Anything after a NUL byte is ignored.
func ParsePartialManifest(data []byte) (map[string]string, error) {
	if len(data) > MaxManifestBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidManifest, len(data), MaxManifestBytes)
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(append([]byte(nil), data...), '\n')
	}
	return parseFields(data)
}

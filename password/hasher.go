package password

// Scheme is one hashing algorithm.
type Scheme interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	NeedsUpgrade(encodedHash string) (bool, error)
	Handles(encodedHash string) bool
}

// Hasher hashes with a primary scheme and verifies against any known one.
type Hasher struct {
	primary Scheme
	legacy  []Scheme
}

// NewHasher returns a Hasher that writes primary hashes and still accepts
// hashes produced by legacy schemes.
func NewHasher(primary Scheme, legacy ...Scheme) *Hasher {
	return &Hasher{primary: primary, legacy: legacy}
}

func (h *Hasher) Hash(password string) (string, error) {
	return h.primary.Hash(password)
}

func (h *Hasher) Verify(password, encodedHash string) (bool, error) {
	scheme := h.schemeFor(encodedHash)
	if scheme == nil {
		return false, ErrUnsupportedHash
	}
	return scheme.Verify(password, encodedHash)
}

// NeedsRehash reports whether encodedHash should be replaced on the next
// successful login: either it belongs to a legacy scheme or its parameters
// are weaker than the primary's.
func (h *Hasher) NeedsRehash(encodedHash string) bool {
	if !h.primary.Handles(encodedHash) {
		return h.schemeFor(encodedHash) != nil
	}
	upgrade, err := h.primary.NeedsUpgrade(encodedHash)
	return err == nil && upgrade
}

func (h *Hasher) schemeFor(encodedHash string) Scheme {
	if h.primary.Handles(encodedHash) {
		return h.primary
	}
	for _, s := range h.legacy {
		if s.Handles(encodedHash) {
			return s
		}
	}
	return nil
}

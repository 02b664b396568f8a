package relation

import (
	"strings"

	"github.com/kasuganosora/friendsync/store"
)

// Collection names of the four record kinds.
const (
	CollectionRelationships = "relationships"
	CollectionMirrors       = "relationship_mirrors"
	CollectionConversations = "conversations"
	CollectionEvents        = "friendship_events"
)

const pairSeparator = "_"

// Pair is an unordered pair of distinct users, stored sorted so A < B.
type Pair struct {
	A string
	B string
}

// ValidateUserID rejects identifiers that would make pair or mirror keys ambiguous.
func ValidateUserID(id string) error {
	if id == "" {
		return reject(CodeInvalidArgument, ReasonInvalidArgument, "")
	}
	if strings.ContainsAny(id, pairSeparator+"/") {
		return reject(CodeInvalidArgument, ReasonInvalidArgument, "")
	}
	return nil
}

// NewPair builds the canonical pair for two users in either order.
func NewPair(x, y string) (Pair, error) {
	if err := ValidateUserID(x); err != nil {
		return Pair{}, err
	}
	if err := ValidateUserID(y); err != nil {
		return Pair{}, err
	}
	if x == y {
		return Pair{}, reject(CodeInvalidArgument, ReasonSelfTarget, "")
	}
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}, nil
}

// ParsePairKey validates a caller-supplied relationship key.
func ParsePairKey(key string) (Pair, error) {
	parts := strings.Split(key, pairSeparator)
	if len(parts) != 2 {
		return Pair{}, reject(CodeInvalidArgument, ReasonInvalidArgument, "")
	}
	p, err := NewPair(parts[0], parts[1])
	if err != nil {
		return Pair{}, err
	}
	if p.Key() != key {
		// Keys are only ever issued in sorted form.
		return Pair{}, reject(CodeInvalidArgument, ReasonInvalidArgument, "")
	}
	return p, nil
}

// Key is the order-independent composite key shared by the Relationship and
// the Conversation.
func (p Pair) Key() string { return p.A + pairSeparator + p.B }

// Has reports whether userID is one of the pair.
func (p Pair) Has(userID string) bool { return userID == p.A || userID == p.B }

// Other returns the member of the pair that is not userID.
func (p Pair) Other(userID string) string {
	if userID == p.A {
		return p.B
	}
	return p.A
}

func (p Pair) relationshipRef() store.Ref {
	return store.Ref{Collection: CollectionRelationships, Key: p.Key()}
}

func (p Pair) conversationRef() store.Ref {
	return store.Ref{Collection: CollectionConversations, Key: p.Key()}
}

func mirrorRef(owner, other string) store.Ref {
	return store.Ref{Collection: CollectionMirrors, Key: owner + "/" + other}
}

// eventRef keys events under their relationship so one pair's history is a
// single prefix range.
func (p Pair) eventRef(id string) store.Ref {
	return store.Ref{Collection: CollectionEvents, Key: p.Key() + "/" + id}
}

package kind

// T is the event type in the nostr protocol.
type T uint16

func (ki T) ToInt() int { return int(ki) }

const (
	// ProfileMetadata stores user profile data, pet names, bio, lightning
	// address, etc.
	ProfileMetadata T = 0
	// TextNote is a standard short text note of plain text
	TextNote T = 1
	// FollowList contains the pubkeys a user follows, and in legacy clients
	// their relay list in the content.
	FollowList T = 3
	// EncryptedDirectMessage is a NIP-04 direct message.
	EncryptedDirectMessage T = 4
	Deletion               T = 5
	Repost                 T = 6
	Reaction               T = 7
	GenericRepost          T = 16
	ChannelMessage         T = 42
	ZapRequest             T = 9734
	Zap                    T = 9735
	MuteList               T = 10000
	PinList                T = 10001
	// RelayListMetadata is the NIP-65 list of relays a user reads from and
	// writes to.
	RelayListMetadata T = 10002
	// ClientAuthentication is the NIP-42 auth event kind.
	ClientAuthentication T = 22242
	CategorizedPeople    T = 30000
	Article              T = 30023
	ApplicationData      T = 30078
)

// IsReplaceable returns true for kinds of which a relay retains only the
// latest event per author.
func (ki T) IsReplaceable() bool {
	return ki == ProfileMetadata || ki == FollowList ||
		(ki >= 10000 && ki < 20000)
}

// IsEphemeral returns true for kinds relays do not store.
func (ki T) IsEphemeral() bool { return ki >= 20000 && ki < 30000 }

// IsAddressable returns true for parameterized replaceable kinds, of which
// the latest event per author and d tag is retained.
func (ki T) IsAddressable() bool { return ki >= 30000 && ki < 40000 }

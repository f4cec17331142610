package message

// Message kinds understood by the node. Kinds outside this list are stored
// and relayed all the same; only their class matters.
const (
	KindNote            = 1
	KindDeletion        = 5
	KindReaction        = 7
	KindBadgeAward      = 8
	KindReport          = 1984
	KindLabel           = 1985
	KindZapReceipt      = 9735
	KindPeerRecord      = 10747
	KindFollowList      = 10750
	KindHandshakeReq    = 23194
	KindHandshakeRes    = 23195
	KindBadgeDefinition = 30009
)

// MaxKind is the highest kind value allowed on the wire.
const MaxKind = 65535

// IsReplaceable reports whether only the latest message per (author, kind)
// is kept.
func IsReplaceable(kind int) bool {
	return kind >= 10000 && kind < 20000
}

// IsEphemeral reports whether messages of this kind are relayed to live
// subscribers but never stored.
func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

// IsParamReplaceable reports whether only the latest message per
// (author, kind, d-tag) is kept.
func IsParamReplaceable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// IsRegular reports whether messages of this kind are stored without
// replacement semantics.
func IsRegular(kind int) bool {
	return !IsReplaceable(kind) && !IsEphemeral(kind) && !IsParamReplaceable(kind)
}

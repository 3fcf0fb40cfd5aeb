package verb

import (
	"strings"

	"github.com/dgoldman0/Rabbit/handshake"
)

// buildPeersBody renders the line-delimited peer list spec.md §4.5
// defines for "OFFER /warren — returns 200 PEERS, a line-delimited list
// of peer identities (burrow: ed25519:… or burrow: dns:<name>),
// terminated by .". Identities come from the Discoverer collaborator
// (spec.md §6) plus, when router is non-nil, this burrow's own directly
// connected warren peers (original_source warren_routing.rs's
// list_peers), so OFFER reflects both discovery-fed and manually routed
// knowledge.
func buildPeersBody(identities []handshake.Identity, router *WarrenRouter) []byte {
	var b strings.Builder
	for _, id := range identities {
		b.WriteString("burrow: ")
		b.WriteString(id.String())
		b.WriteString("\r\n")
	}
	if router != nil {
		for _, p := range router.ListPeers() {
			b.WriteString("burrow: ")
			b.WriteString(p.BurrowID)
			b.WriteString("\r\n")
		}
	}
	b.WriteString(".\r\n")
	return []byte(b.String())
}

// Package identity loads or mints a node's long-term keys from the
// role-prefixed environment, so every service resolves NODE_ID and key
// material the same way.
package identity

import (
	"fmt"
	"log"
	"os"

	"onionrpc/pkg/crypto"
	"onionrpc/pkg/proto"
)

type Identity struct {
	ID     proto.NodeID
	Pub    proto.CryptoKey
	Priv   proto.CryptoKey
	Region string
}

// Load reads <PREFIX>_NODE_ID, <PREFIX>_PRIVATE_KEY and <PREFIX>_REGION.
// Missing values are generated; an explicit but undecodable private key is
// an error rather than a silent regeneration.
func Load(prefix string) (Identity, error) {
	id := proto.NodeID(os.Getenv(prefix + "_NODE_ID"))
	if id == "" {
		id = proto.NewNodeID()
	}
	region := os.Getenv(prefix + "_REGION")
	if region == "" {
		region = "unknown"
	}

	if raw := os.Getenv(prefix + "_PRIVATE_KEY"); raw != "" {
		priv, err := crypto.DecodeKey(raw)
		if err != nil {
			return Identity{}, fmt.Errorf("%s_PRIVATE_KEY: %w", prefix, err)
		}
		pub, err := crypto.PublicFor(priv)
		if err != nil {
			return Identity{}, fmt.Errorf("%s_PRIVATE_KEY: %w", prefix, err)
		}
		return Identity{ID: id, Pub: pub, Priv: priv, Region: region}, nil
	}

	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		return Identity{}, err
	}
	log.Printf("%s generated ephemeral node identity id=%s pub=%s", prefix, id, crypto.EncodeKey(pub))
	return Identity{ID: id, Pub: pub, Priv: priv, Region: region}, nil
}

package channels

import (
	"github.com/tomnagengast/revurb-sub002/internal/connection"
)

// PrivateChannel admits only connections presenting a valid signature over
// their socket id and the channel name.
type PrivateChannel struct {
	channel
}

func (c *PrivateChannel) Type() string { return TypePrivate }

func (c *PrivateChannel) Subscribe(conn *connection.Conn, auth, channelData string) error {
	if err := VerifyAuth(c.app, conn.ID(), c.name, auth, channelData); err != nil {
		return err
	}
	return c.channel.Subscribe(conn, auth, channelData)
}

// EncryptedPrivateChannel authorizes like a private channel. Payload
// encryption happens end to end between clients and their backend; the
// broker relays opaque blobs and never holds a decryption key.
type EncryptedPrivateChannel struct {
	PrivateChannel
}

func (c *EncryptedPrivateChannel) Type() string { return TypeEncryptedPrivate }

/*
Package nsh implements the nsh protocol, a secure remote-shell transport:
a mutually authenticated, encrypted session between a client and a server,
secured by the noise protocol variant Noise_XK_25519_ChaChaPoly_BLAKE2b,
carrying interactive shell traffic and control messages over a single
connection.

The long-term identity of a party is an Ed25519 keypair. The X25519 key the
Noise handshake needs is derived deterministically from it, so one key file
serves both signing and key agreement. In this package, keys are stored in
base64-raw-url encoding, making them easy to handle and embed in config files
and addresses.

As with SSH and WireGuard, trust is configured out of band: no PKI, no
certificate authorities, no expiry. The initiator must know the responder's
public key before connecting (the Noise XK property: server identities cannot
be probed). The responder learns and verifies the initiator's identity during
the handshake and checks it against its known_hosts file.

After the handshake, all traffic is carried in frames: a 4-byte big-endian
length prefix followed by AEAD-sealed ciphertext. The decrypted payload starts
with a one-byte channel tag multiplexing shell data and control messages
(terminal resize, signal forwarding, graceful close) over the same connection.
A frame is the unit of decryption; a frame that fails authentication or
exceeds the maximum size terminates the session.

Each session is driven by its own event loop: socket reads, socket writes and
local I/O run on separate pumps feeding the loop, so slow endpoints never
stall protocol handling, and an outbound queue threshold provides
back-pressure toward the local input.

Errors returned by nsh are typically wrapped with additional information. Use
errors.Is or Unwrap to check for errors.

# Addresses

Nsh uses an address format that can include keys, or specify where the keys
should be read from:

	host:port+local+remote

Host and port are like in regular dial addresses. Local specifies the (source
of) the local private key, remote the remote's public key. Alternatively, nsh
reads keys from the nearest ".nsh" directory: "fs" for
".nsh/private_key", "known" for ".nsh/known_hosts". See ParseAddress for
details.

Use cmd/nsh to initialize a ".nsh" directory, run a server and execute
commands on it.
*/
package nsh

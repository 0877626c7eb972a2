// Command syncstreamctl is a demonstration CLI over the Cipher primitive:
// mint a fresh key, or seal-then-open a message to show the round trip.
package main

import (
	"fmt"
	"os"

	"github.com/example/syncstream/pkg/aead"
	"github.com/example/syncstream/pkg/hexutil"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 1 && args[0] == "gen" {
		key, err := aead.MintKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		fmt.Println(hexutil.Of(key[:]))
		return 0
	}

	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "Usage:")
		fmt.Fprintln(os.Stderr, "  syncstreamctl gen")
		fmt.Fprintln(os.Stderr, "  syncstreamctl <hex_key> <aad> <message>")
		return 1
	}

	keyBytes, err := hexutil.From(args[0])
	if err != nil || len(keyBytes) != aead.KeySize {
		fmt.Fprintln(os.Stderr, "key must be 32 bytes encoded as 64 hex chars")
		return 2
	}
	var key [aead.KeySize]byte
	copy(key[:], keyBytes)

	cipher, err := aead.New(key)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer cipher.Close()

	aadBytes := []byte(args[1])
	plain := []byte(args[2])

	pkt, err := cipher.Seal(plain, aadBytes)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	blob, err := cipher.Open(pkt, aadBytes)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer blob.Wipe()

	fmt.Printf("nonce=%s\n", hexutil.Of(pkt.Nonce[:]))
	fmt.Printf("cipher=%s\n", hexutil.Of(pkt.Body))
	fmt.Printf("tag=%s\n", hexutil.Of(pkt.Tag[:]))
	fmt.Printf("plain=%s\n", string(blob.View()))
	return 0
}

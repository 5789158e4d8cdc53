// Command bcon-tokengen mints adapter and client tokens for operators to
// hand to game-server adapters and dashboard clients, without having to
// run the broker itself.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bcon/bcon-server/internal/auth"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		tokenType     string
		adapterSecret string
		clientSecret  string
		serverID      string
		serverName    string
		userID        string
		username      string
		role          string
		expiresDays   int64
	)

	flags := pflag.NewFlagSet("bcon-tokengen", pflag.ContinueOnError)
	flags.StringVar(&tokenType, "type", "", "token type: adapter|client, or hash-secret to bcrypt-digest --adapter-secret/--client-secret for out-of-band rotation checks")
	flags.StringVar(&adapterSecret, "adapter-secret", "", "adapter signing secret (required for --type adapter)")
	flags.StringVar(&clientSecret, "client-secret", "", "client signing secret (required for --type client)")
	flags.StringVar(&serverID, "server-id", "", "server_id to pin an adapter token to")
	flags.StringVar(&serverName, "server-name", "", "optional server_name claim")
	flags.StringVar(&userID, "user-id", "", "optional user_id claim")
	flags.StringVar(&username, "username", "", "optional username claim")
	flags.StringVar(&role, "role", "guest", "client role: guest|player|admin|system")
	flags.Int64Var(&expiresDays, "expires-days", 365, "token lifetime in days")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if tokenType == "hash-secret" {
		digest, err := auth.SecretDigest(adapterSecret + clientSecret)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(digest)
		return 0
	}

	switch tokenType {
	case "adapter":
		if adapterSecret == "" || serverID == "" {
			fmt.Fprintln(os.Stderr, "--adapter-secret and --server-id are required for --type adapter")
			return 1
		}
		svc := auth.NewService(adapterSecret, "placeholder-client-secret-not-used-here-00000000")
		var namePtr *string
		if serverName != "" {
			namePtr = &serverName
		}
		token, err := svc.CreateAdapterToken(serverID, namePtr, expiresDays)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(token)
		return 0

	case "client":
		if clientSecret == "" {
			fmt.Fprintln(os.Stderr, "--client-secret is required for --type client")
			return 1
		}
		svc := auth.NewService("placeholder-adapter-secret-not-used-here-00000000", clientSecret)
		var userIDPtr, usernamePtr *string
		if userID != "" {
			userIDPtr = &userID
		}
		if username != "" {
			usernamePtr = &username
		}
		token, err := svc.CreateClientToken(userIDPtr, usernamePtr, auth.ParseRole(role), expiresDays*24)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(token)
		return 0

	default:
		fmt.Fprintln(os.Stderr, "--type must be adapter or client")
		return 1
	}
}

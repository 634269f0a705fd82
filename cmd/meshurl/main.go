// Command meshurl builds a connection URL for one of the mesh's
// store-and-forward transport drivers (azblob, azqueue, aztable). A guest
// that can only reach the host through outbound HTTPS polling dials this
// URL instead of a bare TCP address; the mesh-side listener that minted it
// already created the handshake/token endpoints the guest will poll.
package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/driftforge/meshportal/transport"
)

func main() {
	driverFlag := flag.String("driver", "azblob", "transport driver (azblob, azqueue, aztable)")
	urlFlag := flag.String("url", "http://localhost:10000/devstoreaccount1", "service URL (e.g. https://account.blob.core.windows.net)")
	accountFlag := flag.String("account", "devstoreaccount1", "storage account name")
	keyFlag := flag.String("key", "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==", "storage account key")
	handshakeFlag := flag.String("handshake", transport.DefaultHandshakeEndpoint, "handshake endpoint name (container/queue/table)")
	tokenFlag := flag.String("token", transport.DefaultTokenEndpoint, "token endpoint name (container/queue/table)")
	expiryFlag := flag.Duration("expiry", 24*time.Hour, "SAS token expiry (e.g. 24h, 1h, 30m)")
	envFlag := flag.Bool("env", false, "read credentials from AZURE_STORAGE_ACCOUNT / AZURE_STORAGE_ACCOUNT_KEY instead of flags")

	flag.Usage = printUsage
	flag.Parse()

	urlStr := *urlFlag
	driver := strings.ToLower(*driverFlag)
	account := *accountFlag
	key := *keyFlag

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		fail("invalid URL: %v", err)
	}
	if scheme := strings.ToLower(parsedURL.Scheme); scheme != "http" && scheme != "https" {
		fail("URL must have http:// or https:// scheme, got: %s", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		fail("URL must contain a valid host")
	}

	if !*envFlag {
		if account != "" {
			os.Setenv("AZURE_STORAGE_ACCOUNT", account)
		}
		if key != "" {
			os.Setenv("AZURE_STORAGE_ACCOUNT_KEY", key)
		}
	}

	l, err := transport.Listen(driver, urlStr,
		transport.WithEndpoints(*handshakeFlag, *tokenFlag),
		transport.WithSASExpiry(*expiryFlag),
	)
	if err != nil {
		fail("listen: %v", err)
	}
	defer l.Close()

	connStr, err := l.(*transport.Listener).ConnectionString()
	if err != nil {
		fail("connection string: %v", err)
	}

	fmt.Println(connStr)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("meshurl - mesh transport connection URL builder")
	fmt.Println("Usage:")
	fmt.Println("  meshurl [--driver <type>] --url <url> --account <account> --key <key> [--handshake <name>] [--token <name>] [--expiry <duration>] [--env]")
}

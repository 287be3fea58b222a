// Command otactl is the host-side counterpart to the device's sink
// package: it pushes a UF2 image over the network, queries device
// status, and toggles the OTA enable window against sink's small
// HTTP-style request surface.
package main

import (
	"bufio"
	"crypto/sha256"
	"flag"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

const (
	defaultTimeout = 10 * time.Second
	readTimeout    = 10 * time.Second
	defaultPort    = "4343"
)

func main() {
	loadEnvFile()

	host := flag.String("host", "", "Device IP address (required)")
	port := flag.String("port", defaultPort, "Device OTA port")
	password := flag.String("password", "", "OTA auth secret (or OTACTL_PASSWORD env var)")
	seconds := flag.Int("enable-seconds", 600, "Enable window, in seconds, for ota-enable/ota-push")
	flag.Parse()

	args := flag.Args()
	if *host == "" && len(args) > 0 && args[0] != "ota-file" {
		*host = args[0]
		args = args[1:]
	}
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	cmd, rest := args[0], args[1:]

	if cmd == "ota-file" {
		path := firstArg(rest)
		if path == "" {
			fmt.Println("Usage: otactl ota-file <firmware.uf2>")
			os.Exit(1)
		}
		if err := inspectFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *host == "" {
		printUsage()
		os.Exit(1)
	}
	addr := net.JoinHostPort(*host, *port)
	secret := resolveSecret(*password)
	window := time.Duration(*seconds) * time.Second

	var err error
	switch cmd {
	case "ota-info":
		err = otaInfo(addr, secret)
	case "ota-enable":
		err = otaEnable(addr, secret, window)
	case "ota-disable":
		err = otaDisable(addr, secret)
	case "ota-push":
		path := firstArg(rest)
		if path == "" {
			fmt.Println("Usage: otactl -host <ip> ota-push <firmware.uf2>")
			os.Exit(1)
		}
		err = otaPush(addr, secret, path, window)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func printUsage() {
	fmt.Println("otactl: push and inspect firmware updates")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  otactl -host <ip> [-port 4343] [-password <secret>] <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  ota-info                  Query device status (active bank, CRC, rollback count)")
	fmt.Println("  ota-enable                Open the update window (default: 10 minutes)")
	fmt.Println("  ota-disable               Close the update window immediately")
	fmt.Println("  ota-push <firmware.uf2>   Enable the window, then push firmware (not activated)")
	fmt.Println("  ota-file <firmware.uf2>   Inspect a UF2 file locally, no device needed")
	fmt.Println()
	fmt.Println("Authentication:")
	fmt.Println("  -password flag, OTACTL_PASSWORD env var, .env file, or an interactive prompt")
}

// otaInfo issues GET /status and prints the raw JSON body.
func otaInfo(addr, secret string) error {
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	req := fmt.Sprintf("GET /status HTTP/1.1\r\nHost: %s\r\n", addr)
	req += authHeader(secret) + "\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	status, _, body, err := readResponse(conn)
	if err != nil {
		return err
	}
	if status != 200 {
		return fmt.Errorf("device returned status %d: %s", status, body)
	}
	fmt.Println(body)
	return nil
}

func otaEnable(addr, secret string, window time.Duration) error {
	return postControl(addr, "/enable", secret, fmt.Sprintf("X-Enable-Seconds: %d\r\n", int(window.Seconds())))
}

func otaDisable(addr, secret string) error {
	return postControl(addr, "/disable", secret, "")
}

func postControl(addr, path, secret, extraHeaders string) error {
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	req := fmt.Sprintf("POST %s HTTP/1.1\r\nHost: %s\r\n", path, addr)
	req += authHeader(secret) + extraHeaders + "\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	status, _, body, err := readResponse(conn)
	if err != nil {
		return err
	}
	if status != 200 {
		return fmt.Errorf("device returned status %d: %s", status, body)
	}
	fmt.Println(body)
	return nil
}

// otaPush reads a UF2 file, extracts the flat binary, makes sure the
// device's update window is open, and streams the image over one POST
// /firmware request carrying the size/CRC32/SHA-256/version headers the
// sink package checks (the SHA-256 digest after the image has been
// streamed to flash, before the update is finalized).
func otaPush(addr, secret, path string, window time.Duration) error {
	uf2, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read firmware: %w", err)
	}
	fw, err := extractFlatBinary(uf2)
	if err != nil {
		return fmt.Errorf("extract UF2: %w", err)
	}
	sum := sha256.Sum256(fw)
	crc := crc32.ChecksumIEEE(fw)

	fmt.Printf("Firmware:    %s\n", path)
	fmt.Printf("UF2 size:    %d bytes\n", len(uf2))
	fmt.Printf("Image size:  %d bytes (%d KB)\n", len(fw), len(fw)/1024)
	fmt.Printf("CRC32:       %#08x\n", crc)
	fmt.Printf("SHA-256:     %x\n", sum[:8])
	fmt.Println()

	fmt.Println("Opening update window...")
	if err := otaEnable(addr, secret, window); err != nil {
		return fmt.Errorf("enable update window: %w", err)
	}

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	headers := authHeader(secret)
	headers += fmt.Sprintf("Content-Length: %d\r\n", len(fw))
	headers += fmt.Sprintf("X-Firmware-Crc32: %#x\r\n", crc)
	headers += fmt.Sprintf("X-Firmware-Sha256: %x\r\n", sum)
	headers += fmt.Sprintf("X-Firmware-Version: %s\r\n", time.Now().UTC().Format("20060102T150405Z"))

	req := fmt.Sprintf("POST /firmware HTTP/1.1\r\nHost: %s\r\n%s\r\n", addr, headers)
	if _, err := io.WriteString(conn, req); err != nil {
		return fmt.Errorf("send headers: %w", err)
	}

	fmt.Println("Streaming image...")
	conn.SetWriteDeadline(time.Now().Add(2 * time.Minute))
	if _, err := conn.Write(fw); err != nil {
		return fmt.Errorf("send body: %w", err)
	}

	status, _, body, err := readResponse(conn)
	if err != nil {
		return fmt.Errorf("read device response: %w", err)
	}
	if status != 200 {
		return fmt.Errorf("update rejected (status %d): %s", status, body)
	}

	fmt.Println(body)
	fmt.Println("Update accepted: image staged and verified on the device; it is not activated.")
	return nil
}

func authHeader(secret string) string {
	if secret == "" {
		return ""
	}
	return fmt.Sprintf("X-Ota-Auth: %s\r\n", secret)
}

// readResponse reads one HTTP-style status line, headers, and body,
// returning the status code, the header map and the body text.
func readResponse(conn net.Conn) (status int, headers map[string]string, body string, err error) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	br := bufio.NewReader(conn)

	statusLine, err := br.ReadString('\n')
	if err != nil {
		return 0, nil, "", fmt.Errorf("read status line: %w", err)
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return 0, nil, "", fmt.Errorf("malformed status line: %q", statusLine)
	}
	fmt.Sscanf(fields[1], "%d", &status)

	headers = make(map[string]string)
	length := -1
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return status, headers, "", fmt.Errorf("read headers: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		headers[key] = val
		if key == "content-length" {
			fmt.Sscanf(val, "%d", &length)
		}
	}

	if length < 0 {
		buf, _ := io.ReadAll(br)
		return status, headers, string(buf), nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return status, headers, "", fmt.Errorf("read body: %w", err)
	}
	return status, headers, string(buf), nil
}

func inspectFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	block := make([]byte, 512)
	if _, err := io.ReadFull(f, block); err != nil {
		return fmt.Errorf("read first block: %w", err)
	}
	return describeFirstBlock(path, stat.Size(), block)
}

func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// resolveSecret picks the OTA auth secret: flag, then env var, then an
// interactive prompt if a terminal is attached. An empty result means
// the device has auth disabled, which is a valid configuration.
func resolveSecret(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("OTACTL_PASSWORD"); env != "" {
		return env
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("OTA auth secret (blank if none): ")
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil {
			return string(secret)
		}
	}
	return ""
}

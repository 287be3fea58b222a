package main

import (
	"net"
	"testing"
	"time"
)

func TestReadResponse_ParsesStatusAndBody(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
		server.Close()
	}()

	client.SetReadDeadline(time.Now().Add(time.Second))
	status, headers, body, err := readResponse(client)
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if headers["content-length"] != "5" {
		t.Fatalf("headers[content-length] = %q, want \"5\"", headers["content-length"])
	}
	if body != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}
}

func TestReadResponse_ErrorStatus(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		server.Write([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 11\r\n\r\nbad request"))
		server.Close()
	}()

	client.SetReadDeadline(time.Now().Add(time.Second))
	status, _, body, err := readResponse(client)
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if status != 400 {
		t.Fatalf("status = %d, want 400", status)
	}
	if body != "bad request" {
		t.Fatalf("body = %q, want %q", body, "bad request")
	}
}

func TestAuthHeader(t *testing.T) {
	if authHeader("") != "" {
		t.Fatalf("empty secret should produce no header")
	}
	if got := authHeader("swordfish"); got != "X-Ota-Auth: swordfish\r\n" {
		t.Fatalf("authHeader = %q", got)
	}
}

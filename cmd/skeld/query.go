package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"gopkg.in/yaml.v3"

	"skeld/internal/daemon"
)

// queryDaemon sends one request to the daemon serving root and returns the
// decoded response.
func queryDaemon(root string, payload string) (map[string]interface{}, error) {
	info, err := daemon.ReadDiscovery(root)
	if err != nil {
		return nil, fmt.Errorf("no daemon is running for %s (run 'skeld start')", root)
	}
	if !info.Alive() {
		return nil, fmt.Errorf("daemon recorded in discovery file (pid %d) is gone", info.PID)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", info.Port), 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("daemon port %d unreachable: %w", info.Port, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write([]byte(payload)); err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return nil, err
		}
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, err
	}

	var response map[string]interface{}
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("malformed daemon response: %w", err)
	}
	if errObj, ok := response["error"].(map[string]interface{}); ok {
		return nil, fmt.Errorf("daemon error [%v]: %v", errObj["code"], errObj["message"])
	}
	return response, nil
}

// printResponse renders a response map in the selected output format.
func printResponse(response map[string]interface{}) error {
	switch outputFlag {
	case "json":
		data, err := json.MarshalIndent(response, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(response)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	default:
		data, err := json.MarshalIndent(response, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}

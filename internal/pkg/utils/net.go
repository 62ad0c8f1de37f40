// internal/pkg/utils/net.go
package utils

import (
	"fmt"
	"net"
)

// GetOutboundIP 获取本机对外通信使用的 IP 地址。
// 通过向一个公网地址发起 UDP "连接"（不会真正发包）来让内核选路。
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("failed to determine outbound IP: %w", err)
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return localAddr.IP.String(), nil
}

package profile

import (
	"net"
	"strconv"

	"miqo-core/internal/bridge"
)

// BrokerURL 生成 engine 使用的 broker 地址，tcp:// 或 ssl://
func BrokerURL(c ClientConfig) string {
	scheme := "tcp"
	switch c.Protocol {
	case ProtocolTLS:
		scheme = "ssl"
	case ProtocolTCP:
	}
	// JoinHostPort 会为 IPv6 地址加方括号
	return scheme + "://" + net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

// ConnectOptions 生成 start_connect 命令参数
func ConnectOptions(c ClientConfig) bridge.ConnectArgs {
	args := bridge.ConnectArgs{
		URL:         BrokerURL(c),
		ClientID:    c.ClientID,
		MQTTVersion: string(c.MQTTVersion),
	}
	if c.PasswordAuth {
		args.Username = c.Username
		args.Password = c.Password
	}
	if c.MTLS {
		args.CertFile = c.CertFile
		args.KeyFile = c.KeyFile
	}
	return args
}

// Package profile 定义 MQTT 连接配置（ClientConfig）的结构、校验与持久化
package profile

// Protocol 传输协议
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolTLS Protocol = "tls"
)

// Valid 是否为已知协议
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolTCP, ProtocolTLS:
		return true
	default:
		return false
	}
}

// MQTTVersion 协议版本
type MQTTVersion string

const (
	MQTTVersionAuto MQTTVersion = "auto"
	MQTTVersionV3   MQTTVersion = "v3"
	MQTTVersionV31  MQTTVersion = "v3_1"
	MQTTVersionV311 MQTTVersion = "v3_1_1"
	MQTTVersionV5   MQTTVersion = "v5"
)

// Valid 是否为已知版本
func (v MQTTVersion) Valid() bool {
	switch v {
	case MQTTVersionAuto, MQTTVersionV3, MQTTVersionV31, MQTTVersionV311, MQTTVersionV5:
		return true
	default:
		return false
	}
}

// AuthType 认证方式
type AuthType string

const (
	AuthNone       AuthType = "none"
	AuthPassword   AuthType = "password"
	AuthClientCert AuthType = "client_cert"
)

// Valid 是否为已知认证方式
func (a AuthType) Valid() bool {
	switch a {
	case AuthNone, AuthPassword, AuthClientCert:
		return true
	default:
		return false
	}
}

// ClientConfig 一个命名的 broker 连接配置
//
// 序列化时所有字段都会输出（包括空字符串），文件名即 Name。
type ClientConfig struct {
	Name         string      `json:"name"`
	Hostname     string      `json:"hostname"`
	Port         int         `json:"port"`
	Protocol     Protocol    `json:"protocol"`
	MQTTVersion  MQTTVersion `json:"mqtt_version"`
	AuthType     AuthType    `json:"auth_type"`
	PasswordAuth bool        `json:"password_auth"`
	Username     string      `json:"username"`
	Password     string      `json:"password"`
	MTLS         bool        `json:"mtls"`
	CertFile     string      `json:"clientcertfilepath"`
	KeyFile      string      `json:"clientkeyfilepath"`
	ClientID     string      `json:"client_id"`
}

// DefaultPort MQTT 默认端口
const DefaultPort = 1883

// DefaultClientConfig 新建配置的默认值
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Name:        "new client",
		Hostname:    "",
		Port:        DefaultPort,
		Protocol:    ProtocolTCP,
		MQTTVersion: MQTTVersionAuto,
		AuthType:    AuthNone,
	}
}

package nacos

import (
	"fmt"
	"strconv"
	"strings"

	"bazaar/internal/pkg/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// Client wraps the nacos naming client for service registration and lookup.
type Client struct {
	namingClient naming_client.INamingClient
	namespaceID  string
	groupName    string
}

// NewClient connects to the ensemble at addrs ("ip1:port1,ip2:port2").
func NewClient(addrs, namespaceID, groupName string) (*Client, error) {
	if groupName == "" {
		groupName = "DEFAULT_GROUP"
	}

	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		parts := strings.Split(addr, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid nacos address format: %s", addr)
		}
		port, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port in nacos address: %s", parts[1])
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(parts[0], port))
	}

	clientConfig := *constant.NewClientConfig(
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
		constant.WithNamespaceId(namespaceID),
	)

	namingClient, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return nil, fmt.Errorf("create nacos naming client: %w", err)
	}

	return &Client{
		namingClient: namingClient,
		namespaceID:  namespaceID,
		groupName:    groupName,
	}, nil
}

// Register registers an ephemeral instance; it drops out automatically when
// heartbeats stop.
func (c *Client) Register(serviceName, ip string, port int) error {
	success, err := c.namingClient.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: serviceName,
		Weight:      10,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		GroupName:   c.groupName,
	})
	if err != nil {
		return fmt.Errorf("register service with nacos: %w", err)
	}
	if !success {
		return fmt.Errorf("nacos registration rejected for service: %s", serviceName)
	}
	logger.Logger().Info().
		Str("nacos_service", serviceName).
		Str("addr", fmt.Sprintf("%s:%d", ip, port)).
		Msg("registered with nacos")
	return nil
}

// Deregister removes the instance.
func (c *Client) Deregister(serviceName, ip string, port int) error {
	_, err := c.namingClient.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: serviceName,
		Ephemeral:   true,
		GroupName:   c.groupName,
	})
	if err != nil {
		return fmt.Errorf("deregister service with nacos: %w", err)
	}
	return nil
}

// Discover returns one healthy instance picked by nacos's own balancer.
func (c *Client) Discover(serviceName string) (string, int, error) {
	instance, err := c.namingClient.SelectOneHealthyInstance(vo.SelectOneHealthInstanceParam{
		ServiceName: serviceName,
		GroupName:   c.groupName,
	})
	if err != nil {
		return "", 0, fmt.Errorf("discover healthy instance for %s: %w", serviceName, err)
	}
	if instance == nil {
		return "", 0, fmt.Errorf("no healthy instance for %s", serviceName)
	}
	return instance.Ip, int(instance.Port), nil
}

package ethereum

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of the chains YAML file.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Resolve 返回指定名称的链，名称为空时使用 default 字段或按名称排序的第一条。
func (d ChainDefinitions) Resolve(name string) (string, ChainDefinition, error) {
	if name == "" {
		name = d.Default
	}
	if name == "" {
		names := make([]string, 0, len(d.Chains))
		for n := range d.Chains {
			names = append(names, n)
		}
		sort.Strings(names)
		if len(names) == 0 {
			return "", ChainDefinition{}, fmt.Errorf("未配置任何链")
		}
		name = names[0]
	}
	chain, ok := d.Chains[name]
	if !ok {
		return "", ChainDefinition{}, fmt.Errorf("链 %s 未在配置中找到", name)
	}
	if t := strings.ToLower(strings.TrimSpace(chain.Type)); t != "" && t != "evm" {
		return "", ChainDefinition{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
	}
	if strings.TrimSpace(chain.RPCURL) == "" {
		return "", ChainDefinition{}, fmt.Errorf("链 %s 未配置 RPC 地址", name)
	}
	return name, chain, nil
}

// Dial 连接链节点并用环境变量中的十六进制私钥创建 Ledger。调用方负责关闭返回的客户端。
func Dial(ctx context.Context, chainsFile, chain, keyEnv string) (*Ledger, *ethclient.Client, error) {
	defs, err := LoadChainDefinitions(chainsFile)
	if err != nil {
		return nil, nil, err
	}
	name, def, err := defs.Resolve(chain)
	if err != nil {
		return nil, nil, err
	}
	rawKey := strings.TrimPrefix(strings.TrimSpace(os.Getenv(keyEnv)), "0x")
	if rawKey == "" {
		return nil, nil, fmt.Errorf("环境变量 %s 未提供签名私钥", keyEnv)
	}
	key, err := crypto.HexToECDSA(rawKey)
	if err != nil {
		return nil, nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	client, err := ethclient.DialContext(ctx, def.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("连接链 %s 失败: %w", name, err)
	}
	l, err := New(ctx, client, key)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	if def.ChainID != 0 && l.chainID.Int64() != def.ChainID {
		client.Close()
		return nil, nil, fmt.Errorf("链 %s 的 chain_id 为 %s，与配置 %d 不一致", name, l.chainID, def.ChainID)
	}
	return l, client, nil
}

package access

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// BlockList はブロックリストファイルの内容.
type BlockList struct {
	BlockedIPs     []string `yaml:"blocked_ips"`
	BlockedDomains []string `yaml:"blocked_domains"`
}

// loadBlockList はファイルを読み込む. 存在しなければ空のリストを書き出す.
func loadBlockList(path string) (*BlockList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultBlockList(path)
		}
		return nil, errors.Wrap(err, "failed to read config")
	}

	var list BlockList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	return &list, nil
}

func createDefaultBlockList(path string) (*BlockList, error) {
	list := &BlockList{
		BlockedIPs:     []string{},
		BlockedDomains: []string{},
	}

	data, err := yaml.Marshal(list)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create default config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, errors.Wrap(err, "failed to write default config")
	}

	return list, nil
}

// prepare は設定データを正規化する
func (c *BlockList) prepare() (map[string]bool, map[string]bool) {
	ips := make(map[string]bool)
	domains := make(map[string]bool)

	for _, ip := range c.BlockedIPs {
		if ip = strings.TrimSpace(ip); ip != "" {
			ips[ip] = true
		}
	}

	for _, domain := range c.BlockedDomains {
		if domain = strings.ToLower(strings.TrimSpace(domain)); domain != "" {
			domains[domain] = true
		}
	}

	return ips, domains
}

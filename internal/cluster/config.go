// Package cluster implements the membership and leadership core: cluster
// configuration derivation, the peer registry, and the node lifecycle that
// joins a group and campaigns for leadership through an external
// coordinator.
package cluster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IDKeyLock is the fixed coordinator lock key guarding assignment of a
// fresh node id from Config.IDKey.
const IDKeyLock = "id-key-lock"

// preConfig is the raw shape of config.yaml.
type preConfig struct {
	DBName              string `yaml:"dbname"`
	Groups              int    `yaml:"groups"`
	GroupSize           int    `yaml:"group_size"`
	Reads               int    `yaml:"reads"`
	Writes              int    `yaml:"writes"`
	IDKey               string `yaml:"id_key"`
	FailoverIDKeyPrefix string `yaml:"failover_id_key_prefix"`
}

// Config is the user-declared cluster configuration plus everything the
// engine derives from it: group assignment, coalition membership, and the
// per-coalition election/leader key pairs (spec §4.8).
type Config struct {
	DBName              string
	Groups              int
	GroupSize           int
	Reads               int
	Writes              int
	IDKey               string
	FailoverIDKeyPrefix string
}

// LoadConfig parses a config.yaml-shaped file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses config.yaml-shaped bytes directly.
func ParseConfig(data []byte) (*Config, error) {
	var pre preConfig
	if err := yaml.Unmarshal(data, &pre); err != nil {
		return nil, fmt.Errorf("cluster: parse config: %w", err)
	}
	if pre.Reads <= 0 {
		return nil, fmt.Errorf("cluster: reads must be positive")
	}
	if pre.GroupSize <= 0 {
		return nil, fmt.Errorf("cluster: group_size must be positive")
	}
	return &Config{
		DBName:              pre.DBName,
		Groups:              pre.Groups,
		GroupSize:           pre.GroupSize,
		Reads:               pre.Reads,
		Writes:              pre.Writes,
		IDKey:               pre.IDKey,
		FailoverIDKeyPrefix: pre.FailoverIDKeyPrefix,
	}, nil
}

// GroupOf maps a node id to its group: ids [k*group_size, (k+1)*group_size)
// belong to group k.
func (c *Config) GroupOf(nodeID int) int {
	return nodeID / c.GroupSize
}

// Coalition maps a group id to its coalition index: groups are partitioned
// into coalitions of Reads groups each, and a coalition shares its two
// leader slots.
func (c *Config) Coalition(groupID int) int {
	return groupID / c.Reads
}

// ElectionKeys returns the two election-lock key names for coalition i.
func (c *Config) ElectionKeys(coalition int) (slot1, slot2 string) {
	return fmt.Sprintf("election-%s-group-%d-leader-1", c.DBName, coalition),
		fmt.Sprintf("election-%s-group-%d-leader-2", c.DBName, coalition)
}

// LeaderKeys returns the two leader-slot key names for coalition i.
func (c *Config) LeaderKeys(coalition int) (slot1, slot2 string) {
	return fmt.Sprintf("leader-%s-group-%d-1", c.DBName, coalition),
		fmt.Sprintf("leader-%s-group-%d-2", c.DBName, coalition)
}

// MemberKey derives the lease-tied registration key for one node's entry in
// group groupID's membership list; selfID uniquely identifies this node
// within the group (its JSON-encoded ServiceNode, per spec §4.10).
func (c *Config) MemberKey(groupID int, selfID string) string {
	return fmt.Sprintf("member-%s-group-%d-%s", c.DBName, groupID, selfID)
}

// MemberPrefix is the prefix covering every member key in groupID, used to
// list or watch the group's membership.
func (c *Config) MemberPrefix(groupID int) string {
	return fmt.Sprintf("member-%s-group-%d-", c.DBName, groupID)
}

// GroupAddLockKey guards registration into groupID while a node resolves
// its identity via a failover slot.
func (c *Config) GroupAddLockKey(groupID int) string {
	return fmt.Sprintf("group-add-lock-%d", groupID)
}

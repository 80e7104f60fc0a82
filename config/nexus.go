/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"errors"

	"github.com/inhies/go-bytesize"

	"github.com/open-nexus-os/nexuscore/log"
	"github.com/open-nexus-os/nexuscore/reqreply"
	"github.com/open-nexus-os/nexuscore/router"
)

var (
	ErrInvalidByteSize     = errors.New("invalid byte size value")
	ErrInvalidTableDepth   = errors.New("invalid capability table depth")
	ErrInvalidEndpointQuot = errors.New("invalid endpoint quota")
)

// globalSection is the gcfg-decoded [global] section of nexusd's bring-up
// config file. Byte sizes accept suffixed strings ("4MB", "128MB") parsed
// via bytesize, the same way the ingest muxer's cache and rate settings
// are specified.
type globalSection struct {
	Log_Level             string
	Log_File              string
	Per_Endpoint_Bytes    string
	Per_Owner_Bytes       string
	Global_Bytes          string
	Per_Owner_Endpoints   int
	Global_Endpoints      int
	Max_Frame_Bytes       string
	Endpoint_Depth_Max    int
	Cap_Table_Depth       int
	Pending_Replies_Depth int
	Audit_DB_Path         string
	Policy_File           string
}

// NexusConfig is the top-level gcfg target for nexusd's config file.
type NexusConfig struct {
	Global globalSection
}

// DefaultNexusConfig mirrors router.DefaultConfig and reqreply's
// DefaultNPending in string form, except Max_Frame_Bytes, which defaults
// to 128KB here rather than router.DefaultConfig's 1024 bytes, so a
// missing config file still bring-boots with sane bounds.
func DefaultNexusConfig() NexusConfig {
	return NexusConfig{Global: globalSection{
		Log_Level:             "INFO",
		Per_Endpoint_Bytes:    "4MB",
		Per_Owner_Bytes:       "16MB",
		Global_Bytes:          "128MB",
		Per_Owner_Endpoints:   64,
		Global_Endpoints:      4096,
		Max_Frame_Bytes:       "128KB",
		Endpoint_Depth_Max:    256,
		Cap_Table_Depth:       16,
		Pending_Replies_Depth: reqreply.DefaultNPending,
	}}
}

// LoadNexusConfig reads and validates a bring-up config file, falling
// back to DefaultNexusConfig for any field left blank.
func LoadNexusConfig(path string) (NexusConfig, error) {
	cfg := DefaultNexusConfig()
	if path == "" {
		return cfg, nil
	}
	if err := LoadConfigFile(&cfg, path); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RouterConfig translates the parsed byte-size strings into the router's
// numeric Config, the way the ingest config translates Max_Ingest_Cache
// into a byte count for the cache layer.
func (c NexusConfig) RouterConfig() (router.Config, error) {
	perEndpoint, err := parseByteSize(c.Global.Per_Endpoint_Bytes)
	if err != nil {
		return router.Config{}, err
	}
	perOwner, err := parseByteSize(c.Global.Per_Owner_Bytes)
	if err != nil {
		return router.Config{}, err
	}
	global, err := parseByteSize(c.Global.Global_Bytes)
	if err != nil {
		return router.Config{}, err
	}
	maxFrame, err := parseByteSize(c.Global.Max_Frame_Bytes)
	if err != nil {
		return router.Config{}, err
	}
	if c.Global.Per_Owner_Endpoints <= 0 || c.Global.Global_Endpoints <= 0 {
		return router.Config{}, ErrInvalidEndpointQuot
	}
	depthMax := c.Global.Endpoint_Depth_Max
	if depthMax <= 0 {
		depthMax = 256
	}
	return router.Config{
		PerEndpointBytes:  perEndpoint,
		PerOwnerBytes:     perOwner,
		GlobalBytes:       global,
		PerOwnerEndpoints: c.Global.Per_Owner_Endpoints,
		GlobalEndpoints:   c.Global.Global_Endpoints,
		MaxFrameBytes:     maxFrame,
		DepthMax:          depthMax,
	}, nil
}

// CapTableDepth returns the per-task capability table capacity, or
// ErrInvalidTableDepth if it is unset or not positive.
func (c NexusConfig) CapTableDepth() (int, error) {
	if c.Global.Cap_Table_Depth <= 0 {
		return 0, ErrInvalidTableDepth
	}
	return c.Global.Cap_Table_Depth, nil
}

// PendingRepliesDepth returns the request/reply dispatcher's bound on
// buffered-but-unclaimed replies.
func (c NexusConfig) PendingRepliesDepth() int {
	if c.Global.Pending_Replies_Depth <= 0 {
		return reqreply.DefaultNPending
	}
	return c.Global.Pending_Replies_Depth
}

// LogLevel validates and returns the configured log level.
func (c NexusConfig) LogLevel() (log.Level, error) {
	return log.LevelFromString(c.Global.Log_Level)
}

func parseByteSize(s string) (int, error) {
	if s == "" {
		return 0, ErrInvalidByteSize
	}
	bs, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	if bs <= 0 {
		return 0, ErrInvalidByteSize
	}
	return int(bs), nil
}

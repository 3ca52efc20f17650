// Package model holds the wire and in-memory types shared by the channel
// fetcher, path resolver, downloader, and staging packages.
package model

import "strings"

// ImageKind identifies whether an Image is self-contained or requires a
// base version to apply against.
type ImageKind string

const (
	// ImageKindFull is a self-contained, baseless image.
	ImageKindFull ImageKind = "full"
	// ImageKindDelta upgrades from a declared base version.
	ImageKindDelta ImageKind = "delta"
)

// File is a single downloadable artifact belonging to an Image. Order is
// significant and is preserved from the index end-to-end.
type File struct {
	Path      string `json:"path"`
	Signature string `json:"signature"`
	Checksum  string `json:"checksum"`
	Size      int64  `json:"size"`
	Order     int    `json:"order"`
}

// Image is a single upgrade candidate: either a full image or a delta
// anchored to a base version.
type Image struct {
	Version          int               `json:"version"`
	Kind             ImageKind         `json:"type"`
	Base             int               `json:"base,omitempty"`
	Description      string            `json:"description,omitempty"`
	Descriptions     map[string]string `json:"-"`
	PhasedPercentage int               `json:"phased-percentage,omitempty"`
	MinVersion       int               `json:"minversion,omitempty"`
	Files            []File            `json:"files"`
}

// EffectivePhasedPercentage returns the configured phased percentage,
// defaulting to fully rolled out (100) when unset.
func (i Image) EffectivePhasedPercentage() int {
	if i.PhasedPercentage <= 0 {
		return 100
	}

	return i.PhasedPercentage
}

// Index is the per-device, per-channel list of available images.
type Index struct {
	Global IndexGlobal `json:"global"`
	Images []Image     `json:"images"`
}

// IndexGlobal carries index-wide metadata outside the image list.
type IndexGlobal struct {
	GeneratedAt string `json:"generated_at"`
}

// ChannelDevice maps a device name to its index location and an optional
// per-device keyring override.
type ChannelDevice struct {
	Index   string           `json:"index"`
	Keyring *ChannelKeyring  `json:"keyring,omitempty"`
}

// ChannelKeyring is an optional device-signing keyring pointer embedded in
// a channel's device entry.
type ChannelKeyring struct {
	Path      string `json:"path"`
	Signature string `json:"signature"`
}

// Channel is a named release track, optionally aliasing another channel.
type Channel struct {
	Alias   string                   `json:"alias,omitempty"`
	Hidden  bool                     `json:"hidden,omitempty"`
	Devices map[string]ChannelDevice `json:"devices"`
}

// Channels is the top-level channels.json document: channel name to
// Channel.
type Channels map[string]Channel

// CandidatePath is an ordered, non-empty sequence of images that, applied
// in order from the device's current version, reaches some target version.
type CandidatePath struct {
	Steps []Image
}

// TargetVersion returns the version the device ends up at after applying
// every step, or 0 for an empty path.
func (p CandidatePath) TargetVersion() int {
	if len(p.Steps) == 0 {
		return 0
	}

	return p.Steps[len(p.Steps)-1].Version
}

// VersionDetail joins every step's non-empty description, in apply order,
// into the "component=version,component=version" string the info contract
// reports alongside a build number.
func (p CandidatePath) VersionDetail() string {
	var parts []string

	for _, step := range p.Steps {
		if step.Description != "" {
			parts = append(parts, step.Description)
		}
	}

	return strings.Join(parts, ",")
}

// TotalSizeBytes sums the declared size of every file across every step.
func (p CandidatePath) TotalSizeBytes() int64 {
	var total int64

	for _, step := range p.Steps {
		for _, f := range step.Files {
			total += f.Size
		}
	}

	return total
}

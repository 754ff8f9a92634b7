// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package modapi

// UnitInfo identifies one loaded unit in a load context.
type UnitInfo struct {
	Context string
	Name    string
	Path    string
	Types   []string
}

// Host event contracts. A subscriber implements any number of them and is
// registered once per interface.

// AssemblyLoaded is published after a unit finished loading.
type AssemblyLoaded interface {
	OnAssemblyLoaded(unit UnitInfo)
}

// AssemblyUnloading is published before a unit is released.
type AssemblyUnloading interface {
	OnAssemblyUnloading(unit UnitInfo)
}

// Updater is published once per host frame.
type Updater interface {
	OnUpdate(deltaSeconds float64)
}

// ScreenSelected is published when the host switches screens.
type ScreenSelected interface {
	OnScreenSelected(screen string)
}

// PackageListChanged is published when the enabled or installed package set
// changes.
type PackageListChanged interface {
	OnPackageListChanged(enabled, all []string)
}

// Character is the narrow view of a host character.
type Character struct {
	ID   string
	Name string
}

// CharacterCreated is published when the host spawns a character.
type CharacterCreated interface {
	OnCharacterCreated(character Character)
}

package loader

import (
	"strings"
)

const (
	VDSOPathname = "[vdso]"
)

// Region is a mapped memory range [Low, High) backed by Pathname (empty for
// anonymous mappings).
type Region struct {
	Low      uint64
	High     uint64
	Pathname string
}

// ResolveFromRegions rewrites module extents using the process' memory map.
// Modules without a path (the main program image in linux's link map) are
// resolved using mainImage.  Modules whose path is not mapped keep their
// original base with a zero size.
func ResolveFromRegions(
	modules []Module,
	regions []Region,
	mainImage string,
) []Module {
	result := make([]Module, 0, len(modules))
	for _, module := range modules {
		pathname := module.Path
		if pathname == "" {
			pathname = mainImage
		}

		name := BaseName(pathname)
		if strings.HasPrefix(name, "linux-vdso") ||
			strings.HasPrefix(name, "linux-gate") {

			pathname = VDSOPathname
			name = VDSOPathname
		}

		low, high, ok := Extent(regions, pathname)
		if ok {
			module.Base = low
			module.Size = high - low
		}

		module.Path = pathname
		module.Name = name
		result = append(result, module)
	}

	return result
}

// Extent returns the lowest and highest address mapped by pathname.
func Extent(regions []Region, pathname string) (uint64, uint64, bool) {
	if pathname == "" {
		return 0, 0, false
	}

	found := false
	low := uint64(0)
	high := uint64(0)
	for _, region := range regions {
		if region.Pathname != pathname {
			continue
		}

		if !found || region.Low < low {
			low = region.Low
		}

		if !found || region.High > high {
			high = region.High
		}

		found = true
	}

	return low, high, found
}

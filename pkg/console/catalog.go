package console

// Image is a flashable OS image offered in the built-in catalog.
type Image struct {
	Name    string
	Version string
	Arch    string
	Variety string
	URL     string
}

// Catalog returns the built-in image catalog. Entries are ordered the way
// they are displayed.
func Catalog() []Image {
	return []Image{
		{
			Name:    "Debian",
			Version: "13",
			Arch:    "amd64",
			Variety: "Netinst",
			URL:     "https://cdimage.debian.org/debian-cd/current/amd64/iso-cd/debian-13.2.0-amd64-netinst.iso",
		},
		{
			Name:    "Debian",
			Version: "13",
			Arch:    "arm64",
			Variety: "Netinst",
			URL:     "https://cdimage.debian.org/debian-cd/current/arm64/iso-cd/debian-13.2.0-arm64-netinst.iso",
		},
		{
			Name:    "Ubuntu",
			Version: "24.04.3",
			Arch:    "amd64",
			Variety: "Live Server",
			URL:     "https://releases.ubuntu.com/24.04.3/ubuntu-24.04.3-live-server-amd64.iso",
		},
		{
			Name:    "Ubuntu",
			Version: "24.04.3",
			Arch:    "arm64",
			Variety: "Live Server",
			URL:     "https://cdimage.ubuntu.com/releases/24.04.3/release/ubuntu-24.04.3-live-server-arm64.iso",
		},
		{
			Name:    "Alpine",
			Version: "3.23.2",
			Arch:    "x86_64",
			Variety: "Standard",
			URL:     "https://dl-cdn.alpinelinux.org/alpine/v3.23/releases/x86_64/alpine-standard-3.23.2-x86_64.iso",
		},
		{
			Name:    "Alpine",
			Version: "3.23.2",
			Arch:    "aarch64",
			Variety: "Standard",
			URL:     "https://dl-cdn.alpinelinux.org/alpine/v3.23/releases/aarch64/alpine-standard-3.23.2-aarch64.iso",
		},
		{
			Name:    "Arch Linux",
			Version: "2025.12.01",
			Arch:    "x86_64",
			Variety: "Standard",
			URL:     "https://geo.mirror.pkgbuild.com/iso/2025.12.01/archlinux-2025.12.01-x86_64.iso",
		},
	}
}

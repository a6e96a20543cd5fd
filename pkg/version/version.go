package version

// Version is overwritten at build time with -ldflags "-X github.com/docsite/jinja-render/pkg/version.Version=..."
var Version = "develop"

// Package version carries build information injected with -ldflags.
package version

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/gosuri/uitable"
	"github.com/spf13/pflag"
	apimachineryversion "k8s.io/apimachinery/pkg/version"
)

var (
	gitVersion   = "v0.0.0-master+$Format:%h$"
	gitCommit    = "$Format:%H$"
	gitTreeState = ""
	buildDate    = "1970-01-01T00:00:00Z"

	// patchVersion is the firmware patch version of this build. Update images
	// must carry a strictly greater one to be installed.
	patchVersion = "0"
)

// Get returns the build information.
func Get() apimachineryversion.Info {
	return apimachineryversion.Info{
		GitVersion:   gitVersion,
		GitCommit:    gitCommit,
		GitTreeState: gitTreeState,
		BuildDate:    buildDate,
		GoVersion:    runtime.Version(),
		Compiler:     runtime.Compiler,
		Platform:     fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// PatchVersion returns the firmware patch version compiled into the binary.
func PatchVersion() uint64 {
	v, err := strconv.ParseUint(patchVersion, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Text renders the build information as an aligned table.
func Text() string {
	info := Get()
	table := uitable.New()
	table.RightAlign(0)
	table.MaxColWidth = 80
	table.Separator = " "
	table.AddRow("gitVersion:", info.GitVersion)
	table.AddRow("gitCommit:", info.GitCommit)
	table.AddRow("gitTreeState:", info.GitTreeState)
	table.AddRow("buildDate:", info.BuildDate)
	table.AddRow("goVersion:", info.GoVersion)
	table.AddRow("compiler:", info.Compiler)
	table.AddRow("platform:", info.Platform)
	table.AddRow("patchVersion:", patchVersion)
	return table.String()
}

type versionValue int

const (
	versionFalse versionValue = 0
	versionTrue  versionValue = 1
	versionRaw   versionValue = 2
)

const strRawVersion = "raw"

func (v *versionValue) IsBoolFlag() bool { return true }

func (v *versionValue) Get() any { return *v }

func (v *versionValue) Set(s string) error {
	if s == strRawVersion {
		*v = versionRaw
		return nil
	}
	boolVal, err := strconv.ParseBool(s)
	if boolVal {
		*v = versionTrue
	} else {
		*v = versionFalse
	}
	return err
}

func (v *versionValue) String() string {
	if *v == versionRaw {
		return strRawVersion
	}
	return strconv.FormatBool(*v == versionTrue)
}

func (v *versionValue) Type() string { return "version" }

var versionFlag = versionFalse

// AddFlags registers --version on fs.
func AddFlags(fs *pflag.FlagSet) {
	if fs.Lookup("version") != nil {
		return
	}
	f := fs.VarPF(&versionFlag, "version", "", "Print version information and quit; --version=raw prints it as JSON.")
	f.NoOptDefVal = "true"
}

// PrintAndExitIfRequested prints the version and exits when --version was given.
func PrintAndExitIfRequested(name string) {
	switch versionFlag {
	case versionRaw:
		out, _ := json.MarshalIndent(Get(), "", "  ")
		fmt.Println(string(out))
		os.Exit(0)
	case versionTrue:
		fmt.Printf("%s\n%s\n", name, Text())
		os.Exit(0)
	}
}

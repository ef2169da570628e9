// Package builtin assembles the plugin modules compiled into codeindex.
package builtin

import (
	"github.com/Aman-CERP/codeindex/internal/plugin"
	"github.com/Aman-CERP/codeindex/internal/plugins/treesitter"
	"github.com/Aman-CERP/codeindex/internal/plugins/yamlplugin"
)

// List returns the built-in modules in discovery order.
func List() []*plugin.Module {
	return append(treesitter.Modules(), yamlplugin.Module())
}

// Modules returns a module table holding every built-in module.
func Modules() *plugin.Modules {
	mods, err := plugin.NewModules(List()...)
	if err != nil {
		// names are fixed at build time
		panic(err)
	}
	return mods
}

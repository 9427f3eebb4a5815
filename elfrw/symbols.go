package elfrw

import (
	"fmt"

	"gorelro/common"
)

// LookupSymbol returns the first symbol table entry named name, in table
// order.
func (img *Image) LookupSymbol(name string) (Symbol, error) {
	for _, sym := range img.Symbols {
		if sym.Name == name {
			return sym, nil
		}
	}
	return Symbol{}, fmt.Errorf("%w: %s", common.ErrSymbolNotFound, name)
}

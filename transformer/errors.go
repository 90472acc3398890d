package transformer

import "github.com/tinyforge/engine/xerr"

var errHeadDimOdd = xerr.New(xerr.KindValidation, "transformer: head_dim must be even for RoPE")

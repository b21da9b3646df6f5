package api

import (
	"fmt"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// links maps JSON operation paths to their RFC 8288 Link header values.
var links = map[string][]string{
	"/health": {
		`</api/v1/info>; rel="info"`,
		`</index.json>; rel="index"`,
	},
	"/api/v1/info": {
		`</health>; rel="health"`,
		`</styles.json>; rel="styles"`,
		`</data.json>; rel="data"`,
		`</fonts.json>; rel="fonts"`,
	},
	"/index.json": {
		`</rendered.json>; rel="rendered"`,
		`</data.json>; rel="data"`,
	},
	"/styles.json": {
		`</rendered.json>; rel="rendered"`,
		`</fonts.json>; rel="fonts"`,
	},
	"/rendered.json": {
		`</styles.json>; rel="styles"`,
	},
	"/data.json": {
		`</api/v1/archives>; rel="archives"`,
	},
	"/api/v1/archives": {
		`</data.json>; rel="data"`,
	},
	"/styles/{file}": {
		`</rendered.json>; rel="collection"`,
	},
	"/data/{file}": {
		`</data.json>; rel="collection"`,
	},
	"/styles/{id}/style.json": {
		`</styles.json>; rel="collection"`,
	},
}

// LinkTransformer returns a Huma Transformer that injects Link headers on
// the JSON operations above.
func LinkTransformer() huma.Transformer {
	return func(ctx huma.Context, status string, v any) (any, error) {
		op := ctx.Operation()
		if op == nil {
			return v, nil
		}
		l, ok := links[op.Path]
		if !ok {
			return v, nil
		}
		for _, link := range l {
			ctx.AppendHeader("Link", link)
		}
		if strings.Contains(op.Path, "{") {
			ctx.AppendHeader("Link", fmt.Sprintf(`<%s>; rel="self"`, ctx.URL().Path))
		}
		return v, nil
	}
}

package jshost

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// ModuleLoader supplies module source for a normalized module name.
type ModuleLoader interface {
	LoadModule(name string) (string, error)
}

// ModuleLoaderFunc adapts a function to ModuleLoader.
type ModuleLoaderFunc func(name string) (string, error)

// LoadModule calls f.
func (f ModuleLoaderFunc) LoadModule(name string) (string, error) {
	return f(name)
}

// ModuleNormalizer resolves specifier as imported from the module named
// base.
type ModuleNormalizer func(base, specifier string) (string, error)

// DefaultNormalize resolves relative specifiers ("./x", "../x") against the
// directory of base and leaves bare specifiers unchanged.
func DefaultNormalize(base, specifier string) (string, error) {
	if specifier == "" {
		return "", errors.New("empty module specifier")
	}
	if !strings.HasPrefix(specifier, "./") && !strings.HasPrefix(specifier, "../") {
		return specifier, nil
	}
	return path.Join(path.Dir(base), specifier), nil
}

const (
	moduleNamespace = "jshost"
	moduleGlobal    = "__hx_mod"
)

// prepareSource turns the source of an EvalCode call into the classic
// script handed to the engine.
func (c *Context) prepareSource(src string, opts EvalOptions) (string, error) {
	filename := opts.filename()
	if opts.Type == EvalModule {
		return bundleModule(src, filename, opts.TypeScript, c.opts.ModuleLoader, c.opts.ModuleNormalizer)
	}
	if opts.TypeScript {
		result := esbuild.Transform(src, esbuild.TransformOptions{
			Loader:     esbuild.LoaderTS,
			Sourcefile: filename,
			Target:     esbuild.ES2020,
		})
		if len(result.Errors) > 0 {
			return "", syntaxError(result.Errors)
		}
		src = string(result.Code)
	}
	return src + "\n//# sourceURL=" + filename, nil
}

// bundleModule bundles an ES module and everything it imports into one
// script whose completion value is the module namespace. Imports are
// resolved through normalize and fetched from loader.
func bundleModule(src, filename string, typescript bool, loader ModuleLoader, normalize ModuleNormalizer) (string, error) {
	if normalize == nil {
		normalize = DefaultNormalize
	}

	var (
		mu      sync.Mutex
		loadErr *ModuleLoadError
	)
	recordErr := func(e *ModuleLoadError) {
		mu.Lock()
		defer mu.Unlock()
		if loadErr == nil {
			loadErr = e
		}
	}

	plugin := esbuild.Plugin{
		Name: "jshost-modules",
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: `.*`}, func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
				base := args.Importer
				if args.Namespace != moduleNamespace {
					base = filename
				}
				name, err := normalize(base, args.Path)
				if err != nil {
					recordErr(&ModuleLoadError{Specifier: args.Path, Err: err})
					return esbuild.OnResolveResult{}, err
				}
				return esbuild.OnResolveResult{Path: name, Namespace: moduleNamespace}, nil
			})
			build.OnLoad(esbuild.OnLoadOptions{Filter: `.*`, Namespace: moduleNamespace}, func(args esbuild.OnLoadArgs) (esbuild.OnLoadResult, error) {
				if loader == nil {
					err := fmt.Errorf("%w: no module loader configured", ErrModuleNotFound)
					recordErr(&ModuleLoadError{Specifier: args.Path, Err: err})
					return esbuild.OnLoadResult{}, err
				}
				source, err := loader.LoadModule(args.Path)
				if err != nil {
					recordErr(&ModuleLoadError{Specifier: args.Path, Err: err})
					return esbuild.OnLoadResult{}, err
				}
				return esbuild.OnLoadResult{Contents: &source, Loader: loaderFor(args.Path)}, nil
			})
		},
	}

	entryLoader := esbuild.LoaderJS
	if typescript {
		entryLoader = esbuild.LoaderTS
	}
	result := esbuild.Build(esbuild.BuildOptions{
		Stdin: &esbuild.StdinOptions{
			Contents:   src,
			Sourcefile: filename,
			Loader:     entryLoader,
		},
		Bundle:     true,
		Write:      false,
		Format:     esbuild.FormatIIFE,
		GlobalName: moduleGlobal,
		Platform:   esbuild.PlatformNeutral,
		Target:     esbuild.ES2020,
		LogLevel:   esbuild.LogLevelSilent,
		Plugins:    []esbuild.Plugin{plugin},
	})

	if loadErr != nil {
		return "", loadErr
	}
	if len(result.Errors) > 0 {
		return "", syntaxError(result.Errors)
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", filename)
	}
	code := string(result.OutputFiles[0].Contents)
	return "(function () {\n" + code + "\nreturn " + moduleGlobal + ";\n})()\n//# sourceURL=" + filename, nil
}

func loaderFor(name string) esbuild.Loader {
	switch path.Ext(name) {
	case ".ts", ".mts":
		return esbuild.LoaderTS
	case ".json":
		return esbuild.LoaderJSON
	default:
		return esbuild.LoaderJS
	}
}

// syntaxError reports esbuild diagnostics as a guest SyntaxError.
func syntaxError(msgs []esbuild.Message) *GuestError {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text
		if m.Location != nil {
			text = fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text)
		}
		parts = append(parts, text)
	}
	return &GuestError{
		Name:    "SyntaxError",
		Message: strings.Join(parts, "; "),
		Kind:    KindException,
	}
}

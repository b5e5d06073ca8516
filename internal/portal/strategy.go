package portal

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

// Strategy is one named way to perform a UI step on a result row. The portal
// markup is not stable, so steps are tried as an ordered list of strategies.
type Strategy struct {
	Name string
	Run  func(ctx context.Context, page harvest.Page, cfg Config, row Row) error
}

// clickStrategy clicks the XPath built from the row selector plus suffix.
func clickStrategy(name, suffix string) Strategy {
	return Strategy{
		Name: name,
		Run: func(ctx context.Context, page harvest.Page, cfg Config, row Row) error {
			return page.Click(ctx, cfg.rowSelector(row.Index)+suffix)
		},
	}
}

// globalClickStrategy clicks a selector that does not depend on the row.
func globalClickStrategy(name, selector string) Strategy {
	return Strategy{
		Name: name,
		Run: func(ctx context.Context, page harvest.Page, _ Config, _ Row) error {
			return page.Click(ctx, selector)
		},
	}
}

// scriptStrategy evaluates the built script, which must return true.
func scriptStrategy(name string, build func(cfg Config, row Row) string) Strategy {
	return Strategy{
		Name: name,
		Run: func(ctx context.Context, page harvest.Page, cfg Config, row Row) error {
			var ok bool
			if err := page.Evaluate(ctx, build(cfg, row), &ok); err != nil {
				return err
			}
			if !ok {
				return harvest.E(harvest.KindElementNotFound, name, errors.New("script found no target"))
			}
			return nil
		},
	}
}

const rowButtonScript = `(function(){
  var row = document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
  if (!row) { return false; }
  var btn = row.querySelector("button, a.dropdown-toggle, [data-toggle], [data-bs-toggle]");
  if (!btn) { return false; }
  btn.click();
  return true;
})()`

const xmlTextScript = `(function(){
  var nodes = document.querySelectorAll("a, button, li");
  for (var i = 0; i < nodes.length; i++) {
    var el = nodes[i];
    var text = (el.innerText || el.textContent || "").toUpperCase();
    if (text.indexOf("XML") === -1 || el.offsetParent === null) { continue; }
    el.click();
    return true;
  }
  return false;
})()`

func rowScript(cfg Config, row Row) string {
	return fmt.Sprintf(rowButtonScript, cfg.rowSelector(row.Index))
}

func constScript(script string) func(Config, Row) string {
	return func(Config, Row) string { return script }
}

// DefaultMenuStrategies open the row's action menu, most specific first.
func DefaultMenuStrategies() []Strategy {
	return []Strategy{
		clickStrategy("dropdown-toggle", "//*[contains(@class,'dropdown-toggle')]"),
		clickStrategy("data-toggle", "//*[@data-toggle='dropdown' or @data-bs-toggle='dropdown']"),
		clickStrategy("row-button", "//button"),
		scriptStrategy("row-script", rowScript),
	}
}

// DefaultDownloadStrategies click the XML download action. The last one is a
// text search over every visible control.
func DefaultDownloadStrategies() []Strategy {
	return []Strategy{
		globalClickStrategy("open-menu-xml",
			"(//*[contains(@class,'dropdown-menu') and contains(@class,'show')]//a[contains(translate(normalize-space(.),'xml','XML'),'XML')])[1]"),
		clickStrategy("row-xml-link", "//a[contains(translate(@href,'xml','XML'),'XML')]"),
		globalClickStrategy("download-xml-text",
			"(//a[contains(translate(normalize-space(.),'abcdefghijklmnopqrstuvwxyz','ABCDEFGHIJKLMNOPQRSTUVWXYZ'),'DOWNLOAD XML')])[1]"),
		scriptStrategy("xml-text-search", constScript(xmlTextScript)),
	}
}

// runStrategies tries each strategy in order and returns the name of the first
// that succeeded. Falling through strategies is not a retry. Cancellation
// stops the walk; the joined errors of every failed strategy are returned
// otherwise.
func runStrategies(ctx context.Context, page harvest.Page, cfg Config, row Row, step string, strategies []Strategy) (string, error) {
	if len(strategies) == 0 {
		return "", harvest.E(harvest.KindElementNotFound, step, errors.New("no strategies configured"))
	}
	errs := make([]error, 0, len(strategies))
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%s: %w", step, err)
		}
		err := s.Run(ctx, page, cfg, row)
		if err == nil {
			return s.Name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}
	return "", harvest.E(harvest.KindElementNotFound, step, errors.Join(errs...))
}

// Package pagination handles cursors in both directions: following the
// opaque nextCursor chain of a backend's list results, and slicing the
// gateway's own listings into pages addressed by offset cursors.
//
// Walking a backend's pages:
//
//	c := pagination.NewCollector(pagination.MaxPages)
//	for c.More() {
//	    page := fetch(c.NextCursor)
//	    if err := c.Update(page.NextCursor); err != nil {
//	        return err
//	    }
//	}
//
// Serving a page:
//
//	params, err := pagination.ParseQuery(r.URL.Query())
//	items, next, err := pagination.Page(all, params)
package pagination

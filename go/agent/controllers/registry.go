package controllers

import (
	"fmt"

	"github.com/estuary/flow/go/agent/model"
)

// New returns the Controller for catalogType: the dispatch point the
// task runtime calls through instead of a shared base "controller"
// type.
func New(catalogType model.CatalogType) (Controller, error) {
	switch catalogType {
	case model.CatalogTypeCapture:
		return CaptureController{}, nil
	case model.CatalogTypeCollection:
		return CollectionController{}, nil
	case model.CatalogTypeMaterialization:
		return MaterializationController{}, nil
	case model.CatalogTypeTest:
		return TestController{}, nil
	default:
		return nil, fmt.Errorf("no controller for catalog type %q", catalogType)
	}
}

package domain

// ModuleType names the governance module a record belongs to. Module type
// drives which lifecycle states are reachable and which payload fields are
// mandatory at finalization.
type ModuleType string

const (
	ModuleMinutes      ModuleType = "minutes"
	ModuleDistribution ModuleType = "distribution"
	ModuleDispute      ModuleType = "dispute"
	ModuleInsurance    ModuleType = "insurance"
	ModuleCompensation ModuleType = "compensation"
)

// AllModuleTypes lists every governance module in a stable order.
func AllModuleTypes() []ModuleType {
	return []ModuleType{
		ModuleMinutes,
		ModuleDistribution,
		ModuleDispute,
		ModuleInsurance,
		ModuleCompensation,
	}
}

// IsValid reports whether the module type is one of the known modules.
func (m ModuleType) IsValid() bool {
	switch m {
	case ModuleMinutes, ModuleDistribution, ModuleDispute, ModuleInsurance, ModuleCompensation:
		return true
	}
	return false
}

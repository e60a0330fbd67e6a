package metadata

import "sort"

// DefaultFields is the selection used for resources without a dedicated
// field list.
const DefaultFields = "id,name,code,displayName,created,lastUpdated"

// Descriptor drives the generic replication routine for one resource:
// its import rank, the field selection to fetch, which sanitizers apply
// and how the import request is shaped.
type Descriptor struct {
	Resource     string
	Rank         int
	Fields       string // empty means DefaultFields
	CleanSharing bool   // drop sharing grants unknown to the destination
	CleanRoles   bool   // users only: drop roles unknown to the destination
	StripCombos  bool   // visualizations only: drop category combo refs
	SkipSharing  bool   // post with skipSharing=true
}

// FieldSelection returns the fields parameter for the fetch
func (d Descriptor) FieldSelection() string {
	if d.Fields == "" {
		return DefaultFields
	}
	return d.Fields
}

// importRank orders resources so referenced objects land before the
// objects that reference them. Lower imports first.
var importRank = map[string]int{
	"userRoles":                       1,
	"users":                           2,
	"userGroups":                      3,
	"organisationUnitLevels":          4,
	"organisationUnits":               5,
	"organisationUnitGroups":          6,
	"organisationUnitGroupSets":       7,
	"categoryOptions":                 8,
	"categories":                      9,
	"categoryCombos":                  10,
	"categoryOptionCombos":            11,
	"categoryOptionGroups":            12,
	"categoryOptionGroupSets":         13,
	"options":                         14,
	"optionSets":                      15,
	"optionGroups":                    16,
	"optionGroupSets":                 17,
	"attributes":                      18,
	"constants":                       19,
	"dataElements":                    20,
	"dataElementGroups":               21,
	"dataElementGroupSets":            22,
	"indicatorTypes":                  23,
	"indicators":                      24,
	"indicatorGroups":                 25,
	"indicatorGroupSets":              26,
	"dataEntryForms":                  27,
	"dataSets":                        28,
	"dataSetElements":                 29,
	"dataInputPeriods":                30,
	"dataSetNotificationTemplates":    31,
	"trackedEntityTypes":              32,
	"trackedEntityAttributes":         33,
	"trackedEntityAttributeGroups":    34,
	"relationshipTypes":               35,
	"programs":                        36,
	"programStages":                   37,
	"programStageSections":            38,
	"programRuleVariables":            39,
	"programRules":                    40,
	"programRuleActions":              41,
	"programIndicators":               42,
	"programNotificationTemplates":    43,
	"validationRules":                 44,
	"validationRuleGroups":            45,
	"validationNotificationTemplates": 46,
	"predictors":                      47,
	"predictorGroups":                 48,
	"legends":                         49,
	"legendSets":                      50,
	"maps":                            51,
	"visualizations":                  52,
	"eventReports":                    53,
	"dashboards":                      54,
	"documents":                       55,
	"interpretations":                 56,
	"sections":                        57,
}

// resourceFields carries the per-resource field selections. The lists
// pull the structural references each object type needs to land intact
// on the destination while leaving audit noise behind.
var resourceFields = map[string]string{
	"userRoles":                 "id,name,displayName,description",
	"users":                     "id,name,displayName,username,firstName,surname,email,disabled,userRoles[id],userCredentials[username,userRoles[id]],organisationUnits[id],dataViewOrganisationUnits[id]",
	"userGroups":                "id,name,code,displayName,users[id],sharing",
	"organisationUnitLevels":    "id,name,displayName,level,offlineLevels",
	"organisationUnits":         "id,name,code,displayName,shortName,description,openingDate,closedDate,parent[id],level,path,geometry,attributeValues",
	"organisationUnitGroups":    "id,name,code,displayName,shortName,description,organisationUnits[id],attributeValues,sharing",
	"organisationUnitGroupSets": "id,name,shortName,code,displayName,description,compulsory,includeSubhierarchyInAnalytics,organisationUnitGroups[id],attributeValues,sharing",
	"categoryOptions":           "id,name,code,displayName,shortName,description,startDate,endDate,organisationUnits[id],sharing",
	"categories":                "id,name,code,displayName,shortName,description,dataDimensionType,categoryOptions[id],sharing",
	"categoryCombos":            "id,name,code,displayName,dataDimensionType,skipTotal,categories[id],sharing",
	"categoryOptionCombos":      "id,name,shortName,code,displayName,categoryCombo[id],categoryOptions[id],sharing",
	"categoryOptionGroups":      "id,name,code,displayName,shortName,categoryOptions[id],sharing",
	"categoryOptionGroupSets":   "id,name,shortName,code,displayName,description,dataDimension,categoryOptionGroups[id],sharing",
	"options":                   "id,name,shortName,code,displayName,sortOrder,optionSet[id],sharing",
	"optionSets":                "id,name,shortName,code,displayName,valueType,options[id],sharing",
	"optionGroups":              "id,name,code,displayName,shortName,options[id],optionSet[id],sharing",
	"optionGroupSets":           "id,name,code,displayName,description,dataDimension,optionGroups[id],sharing",
	"attributes":                "id,name,displayName,code,valueType,mandatory,unique,dataElementAttribute,indicatorAttribute,organisationUnitAttribute,userAttribute,categoryOptionAttribute,optionSetAttribute,programAttribute,programStageAttribute,trackedEntityAttributeAttribute,dataSetAttribute,documentAttribute,optionSet[id]",
	"constants":                 "id,name,displayName,code,description,value",
	"dataElements":              "id,name,code,displayName,shortName,description,valueType,aggregationType,domainType,categoryCombo[id],optionSet[id],zeroIsSignificant,sharing",
	"dataElementGroups":         "id,name,code,displayName,shortName,description,dataElements[id],sharing",
	"dataElementGroupSets":      "id,name,shortName,code,displayName,description,compulsory,dataDimension,dataElementGroups[id],sharing",
	"indicatorTypes":            "id,name,shortName,displayName,factor,number,sharing",
	"indicators":                "id,name,code,displayName,shortName,description,annualized,decimals,indicatorType[id],numerator,numeratorDescription,denominator,denominatorDescription,sharing",
	"indicatorGroups":           "id,name,code,displayName,description,indicators[id],sharing",
	"indicatorGroupSets":        "id,name,shortName,code,displayName,description,compulsory,indicatorGroups[id],sharing",
	"dataSets":                  "id,name,code,displayName,shortName,description,periodType,categoryCombo[id],mobile,version,expiryDays,timelyDays,notifyCompletingUser,openFuturePeriods,openPeriodsAfterCoEndDate,fieldCombinationRequired,validCompleteOnly,noValueRequiresComment,skipOffline,dataElementDecoration,renderAsTabs,renderHorizontally,compulsoryFieldsCompleteOnly,formType,dataSetElements[dataElement[id],categoryCombo[id]],indicators[id],organisationUnits[id],sections[id]",
	"sections":                  "id,name,displayName,description,sortOrder,dataSet[id],dataElements[id],indicators[id],categoryCombos[id],greyedFields[dataElement[id],categoryOptionCombo[id]]",
	"trackedEntityTypes":        "id,name,shortName,displayName,description,code,sharing",
	"trackedEntityAttributes":   "id,name,shortName,displayName,code,description,valueType,aggregationType,unique,inherit,optionSet[id],generated,pattern,orgunitScope,confidential,sharing",
	"programs":                  "id,name,displayName,code,description,version,programType,trackedEntityType[id],categoryCombo[id],organisationUnits[id],programStages[id],programTrackedEntityAttributes[id,trackedEntityAttribute[id],mandatory,displayInList,sortOrder],withoutRegistration,captureCoordinates,useFirstStageDuringRegistration,displayFrontPageList,programIndicators[id],completeEventsExpiryDays,displayIncidentDate,incidentDateLabel,enrollmentDateLabel,ignoreOverdueEvents,selectIncidentDatesInFuture,selectEnrollmentDatesInFuture,onlyEnrollOnce,dataEntryMethod,minAttributesRequiredToSearch,maxTeiCountToReturn,accessLevel",
	"programStages":             "id,name,displayName,description,sortOrder,program[id],minDaysFromStart,repeatable,periodType,displayGenerateEventBox,standardInterval,executionDateLabel,dueDateLabel,autoGenerateEvent,validationStrategy,blockEntryForm,preGenerateUID,remindCompleted,generatedByEnrollmentDate,allowGenerateNextVisit,openAfterEnrollment,reportDateToUse,hideDueDate,programStageDataElements[id,dataElement[id],compulsory,allowProvidedElsewhere,displayInReports,sortOrder],programStageSections[id]",
	"programRuleVariables":      "id,name,displayName,program[id],programStage[id],dataElement[id],trackedEntityAttribute[id],sourceType,useCodeForOptionSet,valueType",
	"programRules":              "id,name,displayName,description,program[id],programStage[id],condition,priority,programRuleActions[id]",
	"programRuleActions":        "id,programRuleActionType,programRule[id],dataElement[id],trackedEntityAttribute[id],programStage[id],programStageSection[id],content,data,location",
	"programIndicators":         "id,name,displayName,code,description,program[id],expression,filter,aggregationType,analyticsType,decimals",
	"validationRules":           "id,name,displayName,code,description,instruction,importance,operator,periodType,skipFormValidation,leftSide[expression,description,missingValueStrategy],rightSide[expression,description,missingValueStrategy],organisationUnitLevels",
	"validationRuleGroups":      "id,name,displayName,code,description,validationRules[id]",
	"predictors":                "id,name,shortName,displayName,code,description,output[id],periodType,sequentialSampleCount,sequentialSkipCount,annualSampleCount,generator[expression,description,missingValueStrategy],organisationUnitLevels,organisationUnitDescendants,sharing",
	"predictorGroups":           "id,name,displayName,code,description,predictors[id],sharing",
	"legends":                   "id,name,displayName,startValue,endValue,color,sharing",
	"legendSets":                "id,name,displayName,code,description,symbolizer,legends[id],sharing",
	"maps":                      "id,name,displayName,mapViews,sharing",
	"visualizations":            "id,name,displayName,type,dataDimensionItems,columns,rows,filters,organisationUnits,periods,sharing",
}

// noSharingCleanup lists the resources whose payloads never carry a
// sharing block worth rewriting.
var noSharingCleanup = map[string]bool{
	"organisationUnitLevels": true,
	"organisationUnits":      true,
	"attributes":             true,
	"constants":              true,
	"userRoles":              true,
	"users":                  true,
}

// DescriptorFor builds the replication descriptor for a resource.
// Unknown resources get the default field selection and an open rank so
// they sort after the known table.
func DescriptorFor(resource string) Descriptor {
	d := Descriptor{
		Resource:     resource,
		Rank:         importRank[resource],
		Fields:       resourceFields[resource],
		CleanSharing: !noSharingCleanup[resource],
	}
	if d.Rank == 0 {
		d.Rank = len(importRank) + 1
	}
	switch resource {
	case "users":
		d.CleanRoles = true
	case "visualizations":
		d.StripCombos = true
		d.SkipSharing = true
	}
	return d
}

// Rank returns the import rank of a resource, or a trailing rank for
// resources outside the table.
func Rank(resource string) int {
	if r, ok := importRank[resource]; ok {
		return r
	}
	return len(importRank) + 1
}

// OrderResources sorts resource names by import rank, stable on name
// for resources sharing the trailing rank.
func OrderResources(resources []string) []string {
	ordered := make([]string, len(resources))
	copy(ordered, resources)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := Rank(ordered[i]), Rank(ordered[j])
		if ri != rj {
			return ri < rj
		}
		return ordered[i] < ordered[j]
	})
	return ordered
}
